package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"fedcore/pkg/config"
	"fedcore/pkg/envelope"
	"fedcore/pkg/federation"
	"fedcore/pkg/identity"
	"fedcore/pkg/store"
	"fedcore/pkg/transport"
)

var (
	accentColor  = lipgloss.Color("#50FA7B")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	borderColor  = lipgloss.Color("#44475A")
	primaryColor = lipgloss.Color("#FF79C6")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	rowStyle    = lipgloss.NewStyle().Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(mutedColor).Width(12)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
)

func openStore(cfg *config.Config) (*store.SQLite, error) {
	st, err := store.OpenSQLite(cfg.DatabasePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

func resolveCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "resolve <handle>",
		Short: "Resolve a remote handle to its peer identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if refresh {
				if err := expirePeer(cmd.Context(), st, args[0]); err != nil {
					return err
				}
			}

			r := identity.NewResolver(st, transport.New(transport.Options{
				Timeout: cfg.Discovery.Timeout.Std(),
				Logger:  logger,
			}), identity.Options{
				CacheTTL: cfg.Discovery.CacheTTL.Std(),
				Timeout:  cfg.Discovery.Timeout.Std(),
				Logger:   logger,
			})
			peer, err := r.Resolve(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve %s: %w", args[0], err)
			}
			fmt.Println(renderPeer(peer))
			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the stored record and probe again")
	return cmd
}

// expirePeer ages the stored record of handle so the next lookup probes.
func expirePeer(ctx context.Context, st store.PeerStore, handle string) error {
	key, err := federation.NormalizeHandle(handle)
	if err != nil {
		return err
	}
	p, err := st.PeerByHandle(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.Updated = time.Time{}
	return st.SavePeer(ctx, p)
}

func renderPeer(p *store.Peer) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(p.Handle) + "\n")
	line := func(label, value string) {
		if value == "" {
			value = lipgloss.NewStyle().Foreground(mutedColor).Render("-")
		}
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	line("dialect", p.Dialect.String())
	line("base url", p.BaseURL)
	line("inbox", p.NotifyURL)
	line("batch", p.BatchURL)
	line("guid", p.GUID)
	line("status", reachability(p))
	line("key", keySummary(p.PublicKey))
	return strings.TrimRight(b.String(), "\n")
}

func reachability(p *store.Peer) string {
	if p.Alive {
		return lipgloss.NewStyle().Foreground(accentColor).Render("reachable")
	}
	return lipgloss.NewStyle().Foreground(dangerColor).Render(
		fmt.Sprintf("unreachable (%d failures)", p.Failures))
}

func keySummary(pem string) string {
	pub, err := envelope.ParsePublicKey(pem)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("RSA %d bit", pub.N.BitLen())
}

func peersCmd() *cobra.Command {
	var unreachable bool

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List known peers and their reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			peers, err := st.ListPeers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list peers: %w", err)
			}
			if unreachable {
				kept := peers[:0]
				for _, p := range peers {
					if !p.Alive {
						kept = append(kept, p)
					}
				}
				peers = kept
			}
			if len(peers) == 0 {
				fmt.Println("No peers known.")
				return nil
			}
			fmt.Println(peersTable(peers))
			return nil
		},
	}

	cmd.Flags().BoolVar(&unreachable, "unreachable", false, "only show unreachable peers")
	return cmd
}

func peersTable(peers []*store.Peer) string {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Handle < peers[j].Handle })

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		})
	t.Headers("HANDLE", "DIALECT", "STATUS", "FAILURES", "UPDATED")

	for _, p := range peers {
		updated := "never"
		if !p.Updated.IsZero() {
			updated = p.Updated.Format(time.DateTime)
		}
		t.Row(p.Handle, p.Dialect.String(), reachability(p), strconv.Itoa(p.Failures), updated)
	}
	return t.Render()
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after file and environment overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid.")
			return nil
		},
	})

	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		name string
		bits int
	)

	cmd := &cobra.Command{
		Use:   "keygen <nickname>",
		Short: "Create a local user with a fresh RSA key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			nickname := strings.ToLower(args[0])
			handle, err := federation.NormalizeHandle(nickname + "@" + cfg.Hostname)
			if err != nil {
				return err
			}

			key, err := envelope.GenerateKey(bits)
			if err != nil {
				return err
			}
			pub, err := envelope.EncodePublicKey(&key.PublicKey)
			if err != nil {
				return err
			}
			if name == "" {
				name = args[0]
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			u := &store.User{
				GUID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
				Nickname:   nickname,
				Handle:     handle,
				Name:       name,
				PrivateKey: envelope.EncodePrivateKey(key),
				PublicKey:  pub,
			}
			if _, err := st.InsertUser(cmd.Context(), u); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return fmt.Errorf("user %s already exists", nickname)
				}
				return fmt.Errorf("failed to create user: %w", err)
			}

			notify, _ := identity.InboxURLs(cfg.BaseURL, u.GUID)
			fmt.Println(titleStyle.Render("Created " + handle))
			fmt.Println(labelStyle.Render("guid") + u.GUID)
			fmt.Println(labelStyle.Render("inbox") + notify)
			fmt.Println(labelStyle.Render("key") + keySummary(pub))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the nickname)")
	cmd.Flags().IntVar(&bits, "bits", 4096, "RSA key size")
	return cmd
}
