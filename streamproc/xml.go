package streamproc

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/threadforge/agentpress/message"
)

// toolBlockPattern matches a balanced <tool name="...">...</tool> block in
// the growing text buffer, the alternate XML calling convention (§4.5).
var toolBlockPattern = regexp.MustCompile(`(?s)<tool\s+name="([^"]+)">(.*?)</tool>`)

// argPattern matches one <arg name="x">value</arg> child within a tool block.
var argPattern = regexp.MustCompile(`(?s)<arg\s+name="([^"]+)">(.*?)</arg>`)

// xmlScanner accumulates streamed text and extracts balanced tool blocks on
// demand. It honors StopSequence by trimming it out of scanned text so it
// never leaks into a tool argument.
type xmlScanner struct {
	buf string
	seq int
}

func (s *xmlScanner) feed(delta string) {
	s.buf += delta
}

// blocks scans the accumulated buffer for every complete <tool>...</tool>
// block and converts each into a message.ToolCall with a synthesized id
// (XML calling has no provider-assigned call id).
func (s *xmlScanner) blocks() []message.ToolCall {
	var calls []message.ToolCall
	matches := toolBlockPattern.FindAllStringSubmatch(strings.ReplaceAll(s.buf, StopSequence, ""), -1)
	for _, m := range matches {
		name := m[1]
		body := m[2]
		args := map[string]string{}
		for _, a := range argPattern.FindAllStringSubmatch(body, -1) {
			args[a[1]] = a[2]
		}
		argJSON, err := json.Marshal(args)
		if err != nil {
			continue
		}
		s.seq++
		calls = append(calls, message.ToolCall{
			ID:        "xml-" + strconv.Itoa(s.seq),
			Name:      name,
			Arguments: string(argJSON),
		})
	}
	return calls
}
