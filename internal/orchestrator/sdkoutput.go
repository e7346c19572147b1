package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// CompletionPromise is the exact sentinel an agent emits to end a run from
// a terminal phase. Case-sensitive, compared after trimming whitespace.
const CompletionPromise = "<promise>COMPLETE</promise>"

// sdkOutput is the subset of sdk-output.json the orchestrator reads.
type sdkOutput struct {
	Messages []sdkMessage `json:"messages"`
}

type sdkMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	Result  string          `json:"result,omitempty"`
}

// hasCompletionPromise reports whether any assistant/result message in
// sdk-output.json is exactly the completion-promise sentinel. A missing or
// malformed file is simply "no promise".
func hasCompletionPromise(stateDir string) bool {
	data, err := os.ReadFile(filepath.Join(stateDir, "sdk-output.json"))
	if err != nil {
		return false
	}
	var out sdkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return false
	}
	for _, msg := range out.Messages {
		if msg.Type != "assistant" && msg.Type != "result" {
			continue
		}
		for _, text := range messageTexts(msg) {
			if strings.TrimSpace(text) == CompletionPromise {
				return true
			}
		}
	}
	return false
}

// messageTexts extracts the text payloads of one message. Content may be a
// plain string or a list of {type, text} blocks; result-type messages may
// carry their text in the result field instead.
func messageTexts(msg sdkMessage) []string {
	var texts []string
	if msg.Result != "" {
		texts = append(texts, msg.Result)
	}
	if len(msg.Content) == 0 {
		return texts
	}

	var s string
	if err := json.Unmarshal(msg.Content, &s); err == nil {
		return append(texts, s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(msg.Content, &blocks); err == nil {
		for _, b := range blocks {
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
	}
	return texts
}
