package helper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain international", input: "15550101234", want: "15550101234"},
		{name: "formatted with plus", input: "+1 (555) 010-1234", want: "15550101234"},
		{name: "plus with dashes", input: "+44-7911-123456", want: "447911123456"},
		{name: "plus with leading zero trims", input: "+049 151 12345678", want: "4915112345678"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "letters", input: "+1call-me-now", wantErr: true},
		{name: "too short", input: "1234567", wantErr: true},
		{name: "too long", input: "1234567890123456", wantErr: true},
		{name: "national format without plus", input: "0151 12345678", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractPhoneFromJID(t *testing.T) {
	assert.Equal(t, "15550101234", ExtractPhoneFromJID("15550101234:43@s.whatsapp.net"))
	assert.Equal(t, "15550101234", ExtractPhoneFromJID("15550101234@s.whatsapp.net"))
	assert.Equal(t, "15550101234", ExtractPhoneFromJID("15550101234"))
}
