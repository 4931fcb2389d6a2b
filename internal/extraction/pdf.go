package extraction

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// readPDFPages returns the text of each page. Text-showing operators of the
// page content stream are decoded; line moves start a new line.
func readPDFPages(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	pages := make([]string, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNr, err)
		}
		if r == nil {
			pages = append(pages, "")
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNr, err)
		}
		pages = append(pages, contentStreamText(data))
	}

	return pages, nil
}

// contentStreamText pulls the shown strings out of a PDF content stream.
// It understands Tj, TJ, ', ", Td, TD, T* and BT/ET; anything else is
// skipped.
func contentStreamText(data []byte) string {
	var out strings.Builder
	var line strings.Builder

	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			out.WriteString(s)
			out.WriteByte('\n')
		}
		line.Reset()
	}

	var operands [][]byte
	for _, tok := range tokenizeContent(data) {
		if !isOperator(tok) {
			operands = append(operands, tok)
			continue
		}

		switch string(tok) {
		case "BT", "ET", "T*":
			flush()
		case "Td", "TD":
			if len(operands) >= 2 && movesVertically(operands[len(operands)-1]) {
				flush()
			} else if line.Len() > 0 {
				line.WriteByte(' ')
			}
		case "'", "\"":
			flush()
			writeStrings(&line, operands)
		case "Tj", "TJ":
			writeStrings(&line, operands)
		}
		operands = operands[:0]
	}
	flush()

	return strings.TrimRight(out.String(), "\n")
}

func movesVertically(ty []byte) bool {
	f, err := strconv.ParseFloat(string(ty), 64)
	return err == nil && f != 0
}

func writeStrings(line *strings.Builder, operands [][]byte) {
	for _, op := range operands {
		switch {
		case len(op) > 0 && op[0] == '(':
			line.WriteString(decodeLiteral(op[1 : len(op)-1]))
		case len(op) > 0 && op[0] == '<':
			line.WriteString(decodeHex(op))
		case len(op) > 0 && op[0] == '[':
			for _, part := range tokenizeContent(op[1 : len(op)-1]) {
				if len(part) > 0 && part[0] == '(' {
					line.WriteString(decodeLiteral(part[1 : len(part)-1]))
				} else if len(part) > 0 && part[0] == '<' {
					line.WriteString(decodeHex(part))
				} else if f, err := strconv.ParseFloat(string(part), 64); err == nil && f < -200 {
					// large negative kerning in TJ arrays is a word gap
					line.WriteByte(' ')
				}
			}
		}
	}
}

// decodeHex decodes a <...> string operand. UTF-16BE text with a byte order
// mark is converted; other bytes are taken as single-byte codes, which is
// wrong for CID fonts without a ToUnicode map.
func decodeHex(tok []byte) string {
	if len(tok) < 2 || bytes.HasPrefix(tok, []byte("<<")) {
		return ""
	}
	digits := make([]byte, 0, len(tok))
	for _, c := range tok[1 : len(tok)-1] {
		if !unicode.IsSpace(rune(c)) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, len(digits)/2)
	if _, err := hex.Decode(raw, digits); err != nil {
		return ""
	}

	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		units := make([]uint16, 0, (len(raw)-2)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(raw)
}

func isOperator(tok []byte) bool {
	if len(tok) == 0 {
		return false
	}
	switch tok[0] {
	case '(', '[', '/', '<', '-', '+', '.':
		return false
	}
	if tok[0] >= '0' && tok[0] <= '9' {
		return false
	}
	return true
}

// tokenizeContent splits a content stream into operands and operators,
// keeping literal strings and arrays whole.
func tokenizeContent(data []byte) [][]byte {
	var tokens [][]byte
	i := 0
	for i < len(data) {
		c := data[i]
		switch {
		case c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f':
			i++
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '(':
			end := literalEnd(data, i)
			tokens = append(tokens, data[i:end])
			i = end
		case c == '[':
			end := arrayEnd(data, i)
			tokens = append(tokens, data[i:end])
			i = end
		case c == '<':
			end := bytes.IndexByte(data[i:], '>')
			if end < 0 {
				end = len(data) - i - 1
			}
			tokens = append(tokens, data[i:i+end+1])
			i += end + 1
		default:
			start := i
			for i < len(data) && !bytes.ContainsRune([]byte(" \n\r\t\f()[]<>%"), rune(data[i])) {
				i++
			}
			if i == start {
				i++
				continue
			}
			tokens = append(tokens, data[start:i])
		}
	}
	return tokens
}

func literalEnd(data []byte, start int) int {
	depth := 0
	for i := start; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(data)
}

func arrayEnd(data []byte, start int) int {
	for i := start + 1; i < len(data); i++ {
		switch data[i] {
		case '(':
			i = literalEnd(data, i) - 1
		case ']':
			return i + 1
		}
	}
	return len(data)
}

// decodeLiteral resolves the escape sequences of a PDF literal string body.
func decodeLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case 'b', 'f':
		case '\n':
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := 0
				j := 0
				for ; j < 3 && i+j < len(raw) && raw[i+j] >= '0' && raw[i+j] <= '7'; j++ {
					val = val*8 + int(raw[i+j]-'0')
				}
				i += j - 1
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}
