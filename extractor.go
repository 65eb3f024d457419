package main

import (
	"errors"
	"strings"
)

// ErrInsufficientContent means a message has no usable text to send to the
// model. Callers record the message as failed and skip the model call.
var ErrInsufficientContent = errors.New("email content too short")

// minContentLength is the floor below which content is useless to the model.
const minContentLength = 3

// substantialBodyLength is the threshold above which the body is preferred
// over the snippet. Short bodies are often boilerplate fragments while the
// provider snippet tends to carry the actual content of terse emails.
const substantialBodyLength = 30

// selectContent picks the text to feed the language model. Precedence:
// substantial body, then snippet, then short body, then whatever can be
// combined from the two.
func selectContent(body, snippet string) (string, error) {
	trimmedBody := strings.TrimSpace(body)
	trimmedSnippet := strings.TrimSpace(snippet)

	switch {
	case len(trimmedBody) > substantialBodyLength:
		return trimmedBody, nil
	case trimmedSnippet != "":
		return trimmedSnippet, nil
	case trimmedBody != "":
		return trimmedBody, nil
	}

	combined := strings.TrimSpace(trimmedBody + " " + trimmedSnippet)
	if len(combined) < minContentLength {
		return "", ErrInsufficientContent
	}
	return combined, nil
}
