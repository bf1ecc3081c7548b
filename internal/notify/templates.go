package notify

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/lalithlochan/koperasi/internal/format"
)

// Kind selects the message template.
type Kind string

const (
	KindWelcome        Kind = "welcome"
	KindPaymentSuccess Kind = "payment_success"
	KindOTP            Kind = "otp"
	KindReminder       Kind = "reminder"
	KindShipment       Kind = "shipment"
	KindPickup         Kind = "pickup"
	KindReferralBonus  Kind = "referral_bonus"
	KindSavingsUpdate  Kind = "savings_update"
)

type messageTemplate struct {
	fields []string
	tmpl   *template.Template
}

var funcs = template.FuncMap{
	"rupiah": func(v any) string {
		f, ok := toFloat(v)
		if !ok {
			return fmt.Sprint(v)
		}
		return format.Rupiah(f)
	},
	"date": func(v any) string {
		t, ok := toTime(v)
		if !ok {
			return fmt.Sprint(v)
		}
		return format.Date(t)
	},
	"datetime": func(v any) string {
		t, ok := toTime(v)
		if !ok {
			return fmt.Sprint(v)
		}
		return format.DateTime(t)
	},
	"upper": strings.ToUpper,
}

func mustTemplate(kind Kind, body string, fields ...string) messageTemplate {
	return messageTemplate{
		fields: fields,
		tmpl:   template.Must(template.New(string(kind)).Funcs(funcs).Parse(body)),
	}
}

var templates = map[Kind]messageTemplate{
	KindWelcome: mustTemplate(KindWelcome,
		`Halo {{.name}}, selamat bergabung di {{.koperasi_name}}!
Nomor anggota Anda: {{.member_number}}.
Silakan masuk ke aplikasi untuk melihat simpanan dan layanan koperasi.`,
		"name", "koperasi_name", "member_number"),

	KindPaymentSuccess: mustTemplate(KindPaymentSuccess,
		`Halo {{.name}}, pembayaran Anda berhasil.
Nominal: {{rupiah .amount}}
Keterangan: {{.description}}
No. transaksi: {{.transaction_id}}
Tanggal: {{date .paid_at}}
Terima kasih.`,
		"name", "amount", "description", "transaction_id", "paid_at"),

	KindOTP: mustTemplate(KindOTP,
		`Kode verifikasi Anda: {{.code}}
Berlaku {{.expires_minutes}} menit. Jangan berikan kode ini kepada siapa pun.`,
		"code", "expires_minutes"),

	KindReminder: mustTemplate(KindReminder,
		`Halo {{.name}}, pengingat: {{.title}}.
{{if .amount}}Nominal: {{rupiah .amount}}
{{end}}{{if .due_date}}Jatuh tempo: {{date .due_date}}
{{end}}{{.message}}`,
		"name", "title", "amount", "due_date", "message"),

	KindShipment: mustTemplate(KindShipment,
		`Halo {{.name}}, pesanan {{.order_id}} sedang dikirim.
Kurir: {{upper .courier}}
No. resi: {{.tracking_number}}`,
		"name", "order_id", "courier", "tracking_number"),

	KindPickup: mustTemplate(KindPickup,
		`Halo {{.name}}, pesanan {{.order_id}} siap diambil.
Lokasi: {{.location}}
Waktu: {{datetime .pickup_at}}`,
		"name", "order_id", "location", "pickup_at"),

	KindReferralBonus: mustTemplate(KindReferralBonus,
		`Selamat {{.name}}! Anda mendapat bonus referral {{rupiah .amount}} karena {{.referred_name}} bergabung menggunakan kode Anda.`,
		"name", "amount", "referred_name"),

	KindSavingsUpdate: mustTemplate(KindSavingsUpdate,
		`Halo {{.name}}, {{.savings_type}} Anda bertambah {{rupiah .amount}}.
Saldo saat ini: {{rupiah .balance}}`,
		"name", "savings_type", "amount", "balance"),
}

// Kinds lists every supported kind.
func Kinds() []Kind {
	return []Kind{
		KindWelcome, KindPaymentSuccess, KindOTP, KindReminder,
		KindShipment, KindPickup, KindReferralBonus, KindSavingsUpdate,
	}
}

// Valid reports whether k has a template.
func (k Kind) Valid() bool {
	_, ok := templates[k]
	return ok
}

// Render produces the message body for kind. Fields a template expects but
// the payload lacks render as empty text.
func Render(kind Kind, payload map[string]any) (string, error) {
	mt, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data := make(map[string]any, len(payload)+len(mt.fields))
	for _, f := range mt.fields {
		data[f] = ""
	}
	for k, v := range payload {
		data[k] = v
	}

	var sb strings.Builder
	if err := mt.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
