// Package validate checks upload payloads before any state mutation.
// Invalid payloads never touch the store or the blob directories.
package validate

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"image"
	"io"
	"strings"

	_ "image/jpeg"
	_ "image/png"
)

var (
	ErrImageUndecodable = errors.New("image payload cannot be decoded")
	ErrXMLMalformed     = errors.New("xml payload is not well-formed")
	ErrXMLWrongRoot     = errors.New("xml payload has an unexpected root element")
	ErrZipInvalid       = errors.New("payload is not a valid zip archive")
	ErrJSONInvalid      = errors.New("payload is not valid json")
)

// Image verifies the payload decodes as a registered image format.
func Image(data []byte) error {
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return ErrImageUndecodable
	}
	return nil
}

// wellFormedXML consumes the whole token stream.
func wellFormedXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ErrXMLMalformed
		}
	}
}

// rootElement returns the local name of the first start element.
func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", ErrXMLMalformed
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// Alto verifies an ALTO layout file: well-formed XML with an <alto> root.
func Alto(data []byte) error {
	if err := wellFormedXML(data); err != nil {
		return err
	}
	root, err := rootElement(data)
	if err != nil {
		return err
	}
	if !strings.EqualFold(root, "alto") {
		return ErrXMLWrongRoot
	}
	return nil
}

// Page verifies a PAGE layout file: well-formed XML with a <PcGts> root.
func Page(data []byte) error {
	if err := wellFormedXML(data); err != nil {
		return err
	}
	root, err := rootElement(data)
	if err != nil {
		return err
	}
	if !strings.EqualFold(root, "PcGts") {
		return ErrXMLWrongRoot
	}
	return nil
}

// MetaJSON verifies the metadata payload parses as JSON.
func MetaJSON(data []byte) error {
	if !json.Valid(data) {
		return ErrJSONInvalid
	}
	return nil
}

// ZipFile verifies the file at path has a readable zip central directory.
func ZipFile(path string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return ErrZipInvalid
	}
	return r.Close()
}
