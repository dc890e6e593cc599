package main

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSplitCommand(t *testing.T) {
	args, text, ok := splitCommand(":ins 3 hello world", 2)
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{":ins", "3"}, args)
	assert.Equal(t, "hello world", text)

	// any whitespace separates the fields
	args, text, ok = splitCommand(":ins\t0\tabc", 2)
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{":ins", "0"}, args)
	assert.Equal(t, "abc", text)

	// spacing inside and in front of the text is kept
	_, text, ok = splitCommand(":ins 0   two  spaces", 2)
	assert.Equal(t, true, ok)
	assert.Equal(t, "  two  spaces", text)

	_, text, ok = splitCommand(":ins 0", 2)
	assert.Equal(t, true, ok)
	assert.Equal(t, "", text)

	_, _, ok = splitCommand(":ins", 2)
	assert.Equal(t, false, ok)
	_, _, ok = splitCommand("   ", 1)
	assert.Equal(t, false, ok)
}
