package notify

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRender_AllKinds(t *testing.T) {
	payloads := map[Kind]map[string]any{
		KindWelcome:        {"name": "Siti", "koperasi_name": "Koperasi Maju", "member_number": "KM-001"},
		KindPaymentSuccess: {"name": "Siti", "amount": 150000, "description": "Iuran wajib", "transaction_id": "TX9", "paid_at": "2024-08-17"},
		KindOTP:            {"code": "889900", "expires_minutes": 5},
		KindReminder:       {"name": "Siti", "title": "Angsuran pinjaman", "amount": 250000.0, "due_date": "2024-09-01", "message": "Mohon dibayar tepat waktu."},
		KindShipment:       {"name": "Siti", "order_id": "ORD-1", "courier": "jne", "tracking_number": "JNE123"},
		KindPickup:         {"name": "Siti", "order_id": "ORD-2", "location": "Kantor Koperasi", "pickup_at": time.Date(2024, 8, 17, 9, 30, 0, 0, time.UTC)},
		KindReferralBonus:  {"name": "Siti", "amount": "50000", "referred_name": "Budi"},
		KindSavingsUpdate:  {"name": "Siti", "savings_type": "Simpanan Sukarela", "amount": 100000, "balance": 1500000},
	}

	wants := map[Kind][]string{
		KindWelcome:        {"Siti", "Koperasi Maju", "KM-001"},
		KindPaymentSuccess: {"Rp 150.000", "17 Agustus 2024", "TX9"},
		KindOTP:            {"889900", "5 menit"},
		KindReminder:       {"Rp 250.000", "1 September 2024", "tepat waktu"},
		KindShipment:       {"JNE", "JNE123", "ORD-1"},
		KindPickup:         {"Kantor Koperasi", "17 Agustus 2024"},
		KindReferralBonus:  {"Rp 50.000", "Budi"},
		KindSavingsUpdate:  {"Rp 100.000", "Rp 1.500.000"},
	}

	if len(Kinds()) != 8 {
		t.Fatalf("kinds = %d", len(Kinds()))
	}
	for _, k := range Kinds() {
		t.Run(string(k), func(t *testing.T) {
			body, err := Render(k, payloads[k])
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			for _, w := range wants[k] {
				if !strings.Contains(body, w) {
					t.Errorf("body missing %q:\n%s", w, body)
				}
			}
			if strings.Contains(body, "<no value>") {
				t.Errorf("unfilled field in:\n%s", body)
			}
		})
	}
}

func TestRender_MissingFieldsRenderEmpty(t *testing.T) {
	body, err := Render(KindReminder, map[string]any{"name": "Siti", "title": "Rapat anggota"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(body, "<no value>") || strings.Contains(body, "Nominal") || strings.Contains(body, "Jatuh tempo") {
		t.Fatalf("body = %q", body)
	}
}

func TestRender_UnknownKind(t *testing.T) {
	if _, err := Render("birthday", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v", err)
	}
}
