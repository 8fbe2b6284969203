package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
)

// encodeExtra renders the merged extra bag as a compact JSON object with
// deterministic key order and ASCII-only bytes. External tail readers parse
// this column, so the encoding must stay stable across platforms.
func encodeExtra(extra Fields) string {
	if len(extra) == 0 {
		return ""
	}

	raw, err := json.Marshal(extra)
	if err != nil {
		// Unencodable payloads still deserve a trace.
		return fmt.Sprintf("%v", extra)
	}

	return asciiSafe(string(raw))
}

func asciiSafe(s string) string {
	if isASCII(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x80 {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}

	return b.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
