package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@b.co", "***@b.co"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactEmail(tt.in))
		})
	}
}

func TestRedactPhone(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"+15551234567", "+1********67"},
		{"5551234567", "********67"},
		{"123", "***"},
		{"", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, RedactPhone(tt.in))
		})
	}
}
