package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidSpec(t *testing.T) {
	t.Parallel()

	s, err := Parse("obs64.exe:12345")
	require.NoError(t, err)
	assert.Equal(t, "obs64.exe", s.ExeName)
	assert.Equal(t, int32(12345), s.PID)
	assert.Equal(t, "obs64.exe:12345", s.String())
}

func TestParseRejectsMissingSeparator(t *testing.T) {
	t.Parallel()
	_, err := Parse("obs64.exe")
	assert.Error(t, err)
}

func TestParseRejectsEmptyExeName(t *testing.T) {
	t.Parallel()
	_, err := Parse(":1234")
	assert.Error(t, err)
}

func TestParseRejectsNonNumericPID(t *testing.T) {
	t.Parallel()
	_, err := Parse("obs64.exe:not-a-pid")
	assert.Error(t, err)
}

func TestParseHandlesExeNameContainingColon(t *testing.T) {
	t.Parallel()
	// LastIndex means only the final colon is treated as the separator,
	// so an exe name that itself contains one (unusual, but not
	// impossible on some platforms) still parses correctly.
	s, err := Parse("weird:name.exe:777")
	require.NoError(t, err)
	assert.Equal(t, "weird:name.exe", s.ExeName)
	assert.Equal(t, int32(777), s.PID)
}
