// Package codec picks the JSON implementation at build time (`-tags sonic` for bytedance/sonic)
// and renders CLI output as JSON or YAML.
package codec

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

func Marshal(v any) ([]byte, error) {
	return jsonMarshal(v)
}

func Unmarshal(data []byte, v any) error {
	return jsonUnmarshal(data, v)
}

// Format is a machine readable output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("unsupported output format %q (text, json, yaml)", s)
}

// Encode writes v in a structured format. FormatText is not handled here.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		return EncodeJSON(w, v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("cannot encode %q output", format)
}
