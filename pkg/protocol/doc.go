// Package protocol defines the message kinds exchanged between nodes, their
// XML payload encoding, legacy field aliases and relayable signatures.
package protocol
