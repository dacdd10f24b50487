// Package jsonhelper contains helpers for loading and saving JSON configuration files.
package jsonhelper

import (
	"encoding/json"
	"io"
	"os"
)

// OpenAndDecodeDisallowUnknownFields opens the file at path and decodes it into v, disallowing unknown fields.
func OpenAndDecodeDisallowUnknownFields(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return DecodeDisallowUnknownFields(f, v)
}

// DecodeDisallowUnknownFields decodes a single JSON value from r into v, disallowing unknown fields.
func DecodeDisallowUnknownFields(r io.Reader, v any) error {
	d := json.NewDecoder(r)
	d.DisallowUnknownFields()
	return d.Decode(v)
}

// Save encodes v into indented JSON and saves it to the file at path.
func Save(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = Encode(f, v); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Encode writes v to w as indented JSON, without escaping HTML characters.
func Encode(w io.Writer, v any) error {
	e := json.NewEncoder(w)
	e.SetEscapeHTML(false)
	e.SetIndent("", "    ")
	return e.Encode(v)
}
