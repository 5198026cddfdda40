// Package header decodes the header values and part bodies of downloaded
// messages: encoded words, address lists, dates, content types and
// transfer encodings.
package header

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Decode resolves MIME encoded words in s. Undecodable input is returned
// unchanged.
func Decode(s string) string {
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func single(key, value string) mail.Header {
	return mail.Header{Header: message.HeaderFromMap(map[string][]string{key: {value}})}
}

// AddressList parses an address header value. Names are decoded.
func AddressList(value string) ([]*mail.Address, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	h := single("To", value)
	list, err := h.AddressList("To")
	if err != nil {
		return nil, fmt.Errorf("parse address list %q: %w", value, err)
	}
	return list, nil
}

// Address parses a single address, returning the first one of a list.
func Address(value string) (*mail.Address, error) {
	list, err := AddressList(value)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// Date parses an RFC 5322 date header value.
func Date(value string) (time.Time, error) {
	h := single("Date", value)
	return h.Date()
}

// ContentType splits a Content-Type value into its lower-cased media type
// and parameters.
func ContentType(value string) (string, map[string]string, error) {
	h := single("Content-Type", value)
	return h.ContentType()
}

// DecodeBody undoes the transfer encoding of a downloaded part and converts
// text to UTF-8 according to the charset of contentType.
func DecodeBody(transferEncoding, contentType string, raw []byte) ([]byte, error) {
	var h message.Header
	if transferEncoding != "" {
		h.Set("Content-Transfer-Encoding", transferEncoding)
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	e, err := message.New(h, bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if e == nil {
		return raw, nil
	}
	out, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}
