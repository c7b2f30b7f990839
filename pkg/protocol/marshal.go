package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Marshal renders p as the XML payload carried inside an envelope.
func Marshal(p Payload) ([]byte, error) {
	return MarshalFields(p.Kind(), p.Fields())
}

// MarshalFields renders an ordered field list under the element of kind.
func MarshalFields(kind Kind, fields Fields) ([]byte, error) {
	if kind == KindUnknown {
		return nil, fmt.Errorf("cannot marshal unknown kind")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{Name: xml.Name{Local: kind.String()}}
	if err := enc.EncodeToken(root); err != nil {
		return nil, err
	}
	if err := encodeFields(enc, fields); err != nil {
		return nil, err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFields(enc *xml.Encoder, fields Fields) error {
	for _, f := range fields {
		start := xml.StartElement{Name: xml.Name{Local: f.Name}}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if len(f.Nested) > 0 {
			if err := encodeFields(enc, f.Nested); err != nil {
				return err
			}
		} else if f.Value != "" {
			if err := enc.EncodeToken(xml.CharData(f.Value)); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(start.End()); err != nil {
			return err
		}
	}
	return nil
}
