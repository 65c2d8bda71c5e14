package dmg

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// maxArrayEntries bounds the number of dict records walked inside a
// blkx array.
const maxArrayEntries = 10

// walker is a strict, positional recognizer for the narrow plist/XML
// dialect Apple's hdiutil emits in a DMG resource fork. It is not a
// general plist parser: it expects the exact tag sequence hdiutil
// produces and bails on anything else, mirroring
// original_source/grub/io/dmg.c's dmgOpenXmlToRsrc.
type walker struct {
	s string
}

func (w *walker) skipSpace() {
	w.s = strings.TrimLeft(w.s, " \t\r\n")
}

// word consumes an exact literal, tolerating leading whitespace.
func (w *walker) word(lit string) error {
	w.skipSpace()
	if !strings.HasPrefix(w.s, lit) {
		return fmt.Errorf("dmg: expected %q at %q", lit, firstN(w.s, 32))
	}
	w.s = w.s[len(lit):]
	return nil
}

func (w *walker) startsWith(lit string) bool {
	w.skipSpace()
	return strings.HasPrefix(w.s, lit)
}

// tag consumes "<name" up to and including the closing '>', allowing
// arbitrary attributes in between (none of the tags this dialect uses
// carry attributes, but tolerating them costs nothing).
func (w *walker) tag(name string) error {
	if err := w.word("<" + name); err != nil {
		return err
	}
	idx := strings.IndexByte(w.s, '>')
	if idx < 0 {
		return fmt.Errorf("dmg: unterminated <%s", name)
	}
	w.s = w.s[idx+1:]
	return nil
}

func (w *walker) endTag(name string) error {
	return w.word("</" + name + ">")
}

// parseText consumes "<tag>text</tag>" and returns text.
func (w *walker) parseText(tagName string) (string, error) {
	if err := w.tag(tagName); err != nil {
		return "", err
	}
	end := "</" + tagName + ">"
	idx := strings.Index(w.s, end)
	if idx < 0 {
		return "", fmt.Errorf("dmg: unterminated <%s>", tagName)
	}
	text := w.s[:idx]
	w.s = w.s[idx+len(end):]
	return text, nil
}

// skipValue consumes one of the scalar value tags this dialect uses
// (string, integer, true/false, data) without interpreting it. Used for
// keys this core does not care about (e.g. Attributes, ID, Name, CFName
// inside a blkx dict entry).
func (w *walker) skipValue() error {
	w.skipSpace()
	switch {
	case strings.HasPrefix(w.s, "<string>"):
		_, err := w.parseText("string")
		return err
	case strings.HasPrefix(w.s, "<integer>"):
		_, err := w.parseText("integer")
		return err
	case strings.HasPrefix(w.s, "<data>"):
		_, err := w.parseText("data")
		return err
	case strings.HasPrefix(w.s, "<true/>"):
		w.s = w.s[len("<true/>"):]
		return nil
	case strings.HasPrefix(w.s, "<false/>"):
		w.s = w.s[len("<false/>"):]
		return nil
	default:
		return fmt.Errorf("dmg: unrecognized value at %q", firstN(w.s, 32))
	}
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// parseBlkxResource walks the resource-fork dictionary and returns the
// raw (base64-decoded) payload of every "Data" entry inside the "blkx"
// array. Any other top-level resource-fork key (e.g. "plst") is skipped
// wholesale by scanning ahead to its closing "</array>", matching the
// original parser's documented behavior of silently skipping keys it
// doesn't recognize.
func parseBlkxResource(xml []byte) ([][]byte, error) {
	w := &walker{s: string(xml)}

	w.skipSpace()
	if err := w.word("<?xml"); err != nil {
		return nil, err
	}
	if idx := strings.Index(w.s, "?>"); idx >= 0 {
		w.s = w.s[idx+2:]
	} else {
		return nil, fmt.Errorf("dmg: unterminated xml declaration")
	}

	if err := w.word("<!DOCTYPE"); err != nil {
		return nil, err
	}
	if idx := strings.IndexByte(w.s, '>'); idx >= 0 {
		w.s = w.s[idx+1:]
	} else {
		return nil, fmt.Errorf("dmg: unterminated doctype")
	}

	if err := w.tag("plist"); err != nil {
		return nil, err
	}

	if err := w.tag("dict"); err != nil {
		return nil, err
	}
	if err := w.word("<key>resource-fork</key>"); err != nil {
		return nil, err
	}

	if err := w.tag("dict"); err != nil {
		return nil, err
	}

	var blobs [][]byte

	for !w.startsWith("</dict>") {
		key, err := w.parseText("key")
		if err != nil {
			return nil, err
		}

		if key != "blkx" {
			// Skip this key's entire array wholesale (spec's documented
			// "silently skips unknown keys" behavior).
			idx := strings.Index(w.s, "</array>")
			if idx < 0 {
				return nil, fmt.Errorf("dmg: unterminated array for key %q", key)
			}
			w.s = w.s[idx+len("</array>"):]
			continue
		}

		if err := w.tag("array"); err != nil {
			return nil, err
		}

		entryCount := 0
		for !w.startsWith("</array>") {
			entryCount++
			if entryCount > maxArrayEntries {
				return nil, fmt.Errorf("dmg: blkx array has more than %d entries", maxArrayEntries)
			}

			if err := w.tag("dict"); err != nil {
				return nil, err
			}

			var data []byte
			for !w.startsWith("</dict>") {
				entryKey, err := w.parseText("key")
				if err != nil {
					return nil, err
				}

				if entryKey != "Data" {
					if err := w.skipValue(); err != nil {
						return nil, err
					}
					continue
				}

				text, err := w.parseText("data")
				if err != nil {
					return nil, err
				}

				decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text), ""))
				if err != nil {
					return nil, fmt.Errorf("dmg: bad base64 in blkx data: %w", err)
				}
				data = decoded
			}

			if err := w.endTag("dict"); err != nil {
				return nil, err
			}

			if data != nil {
				blobs = append(blobs, data)
			}
		}

		if err := w.endTag("array"); err != nil {
			return nil, err
		}
	}

	if err := w.endTag("dict"); err != nil {
		return nil, err
	}
	if err := w.endTag("dict"); err != nil {
		return nil, err
	}
	if err := w.endTag("plist"); err != nil {
		return nil, err
	}

	return blobs, nil
}
