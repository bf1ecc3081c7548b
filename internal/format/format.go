// Package format holds the display and validation helpers shared by the
// notification templates, the audit log and the API.
package format

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var idPrinter = message.NewPrinter(language.Indonesian)

// Rupiah formats an amount as "Rp 1.500.000". Fractions are rounded.
func Rupiah(amount float64) string {
	n := int64(math.Round(amount))
	if n < 0 {
		return "-Rp " + idPrinter.Sprintf("%d", -n)
	}
	return "Rp " + idPrinter.Sprintf("%d", n)
}

var months = [...]string{
	"Januari", "Februari", "Maret", "April", "Mei", "Juni",
	"Juli", "Agustus", "September", "Oktober", "November", "Desember",
}

// Date formats t as "2 Januari 2024".
func Date(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), months[t.Month()-1], t.Year())
}

// DateTime formats t as "2 Januari 2024 14:05".
func DateTime(t time.Time) string {
	return Date(t) + " " + t.Format("15:04")
}

// Digits strips everything but ASCII digits.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
