package pagination

import (
	"errors"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2026-03-14T09:00:00Z", "ord_123"}})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	cursor, err := DecodeToken(token)
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(cursor.StartAfter) != 2 || cursor.StartAfter[0] != "2026-03-14T09:00:00Z" || cursor.StartAfter[1] != "ord_123" {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("EncodeToken returned error: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor, got %q", token)
	}
}

func TestDecodeTokenBlank(t *testing.T) {
	cursor, err := DecodeToken("  ")
	if err != nil {
		t.Fatalf("DecodeToken returned error: %v", err)
	}
	if len(cursor.StartAfter) != 0 || len(cursor.StartAt) != 0 {
		t.Fatalf("expected zero cursor, got %+v", cursor)
	}
}

func TestDecodeTokenGarbage(t *testing.T) {
	if _, err := DecodeToken("!!not-base64!!"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}
