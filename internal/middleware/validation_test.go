package middleware

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidateMessageContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "hello", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 100001), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"multibyte", "Olá!", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConversationID(t *testing.T) {
	if err := ValidateConversationID(uuid.NewString()); err != nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
	if err := ValidateConversationID("not-a-uuid"); err == nil {
		t.Fatal("invalid id accepted")
	}
}
