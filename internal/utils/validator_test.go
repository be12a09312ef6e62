package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Content string `validate:"required,max=5"`
	Kind    string `validate:"omitempty,oneof=text image"`
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      sample
		wantErr string
	}{
		{"ok", sample{Content: "hi", Kind: "text"}, ""},
		{"missing content", sample{}, "content is required"},
		{"too long", sample{Content: "toolong"}, "content must be at most 5 characters long"},
		{"bad kind", sample{Content: "hi", Kind: "video"}, "kind must be one of [text image]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestFormatValidationErrors(t *testing.T) {
	assert.Nil(t, FormatValidationErrors(nil))

	err := validate.Struct(sample{Kind: "video"})
	out := FormatValidationErrors(err)
	require.Len(t, out, 2)
	assert.Equal(t, "content", out[0].Field)
	assert.Equal(t, "content is required", out[0].Message)
	assert.Equal(t, "kind must be one of [text image]", out[1].Message)
	assert.Equal(t, "video", out[1].Value)
}
