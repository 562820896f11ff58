package stream

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidBody is returned for bodies that are not a JSON object.
	ErrInvalidBody = errors.New("response body is not a JSON object")
	// ErrNoText is returned when a complete response carries no text in any
	// known dialect.
	ErrNoText = errors.New("response carries no text")
)

// ExtractText returns the assistant text of a complete (non-streamed) response
// in any supported dialect.
func ExtractText(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", ErrInvalidBody
	}

	obj := gjson.ParseBytes(body)
	if !obj.IsObject() {
		return "", ErrInvalidBody
	}

	if isError(obj, "") {
		events := decodeError(obj, "")
		return "", errors.New(events[0].Text)
	}

	// OpenAI compatible
	if c := obj.Get("choices.0.message.content"); c.Type == gjson.String {
		return c.String(), nil
	}

	// Anthropic messages
	if content := obj.Get("content"); content.IsArray() {
		var sb strings.Builder
		for _, block := range content.Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}

	// Bedrock Converse
	if content := obj.Get("output.message.content"); content.IsArray() {
		var sb strings.Builder
		for _, block := range content.Array() {
			sb.WriteString(block.Get("text").String())
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}

	// Google Studio
	if parts := obj.Get("candidates.0.content.parts"); parts.IsArray() {
		var sb strings.Builder
		for _, part := range parts.Array() {
			if part.Get("thought").Bool() {
				continue
			}
			sb.WriteString(part.Get("text").String())
		}
		if sb.Len() > 0 {
			return sb.String(), nil
		}
	}

	// local runtimes
	if r := obj.Get("response"); r.Type == gjson.String {
		return r.String(), nil
	}
	if m := obj.Get("message.content"); m.Type == gjson.String {
		return m.String(), nil
	}

	return "", ErrNoText
}
