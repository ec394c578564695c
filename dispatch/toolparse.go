package dispatch

import "strings"

const functionCloseTag = "</function>"

// endsWithFunctionClose reports whether the accumulated buffer ends
// with the literal closing marker, the heuristic the Mode A stream
// uses to decide when to stop waiting for more content.
func endsWithFunctionClose(buf string) bool {
	return strings.HasSuffix(strings.TrimRight(buf, "\n\t "), functionCloseTag)
}

// ParseToolCalls extracts tool invocations from the final accumulated
// content using the `<function=name><parameter=k>v</parameter>...
// </function>` text protocol. It truncates the returned content to the
// end of the first invocation. An invocation with no closing
// `</function>` is repaired with the missing closing tags, and the
// returned content ends with that repaired block. Content with no
// `<function=` opener is returned unchanged.
func ParseToolCalls(content string) (truncated string, calls []ToolCall) {
	start := strings.Index(content, "<function=")
	if start < 0 {
		return content, nil
	}

	end := strings.Index(content[start:], functionCloseTag)
	var block string
	if end < 0 {
		// Dangling invocation: repair it by treating everything from
		// start as one incomplete block.
		block = repairDangling(content[start:])
		truncated = content[:start] + block
	} else {
		end = start + end + len(functionCloseTag)
		block = content[start:end]
		truncated = content[:end]
	}

	call, ok := parseOneInvocation(block)
	if ok {
		calls = append(calls, call)
	}
	return truncated, calls
}

// parseOneInvocation parses a single `<function=name>...</function>`
// (or dangling, repaired-to-close) block into a ToolCall.
func parseOneInvocation(block string) (ToolCall, bool) {
	nameStart := strings.Index(block, "<function=")
	if nameStart < 0 {
		return ToolCall{}, false
	}
	nameStart += len("<function=")
	nameEnd := strings.IndexByte(block[nameStart:], '>')
	if nameEnd < 0 {
		return ToolCall{}, false
	}
	name := block[nameStart : nameStart+nameEnd]
	body := block[nameStart+nameEnd+1:]
	body = strings.TrimSuffix(body, functionCloseTag)

	params := make(map[string]string)
	for {
		pStart := strings.Index(body, "<parameter=")
		if pStart < 0 {
			break
		}
		rest := body[pStart+len("<parameter="):]
		keyEnd := strings.IndexByte(rest, '>')
		if keyEnd < 0 {
			// Dangling parameter tag with no closing '>': drop it.
			break
		}
		key := rest[:keyEnd]
		valueAndMore := rest[keyEnd+1:]

		closeIdx := strings.Index(valueAndMore, "</parameter>")
		var value string
		var advance int
		if closeIdx < 0 {
			// Dangling value with no closing tag: take the rest as the value.
			value = valueAndMore
			advance = len(valueAndMore)
		} else {
			value = valueAndMore[:closeIdx]
			advance = closeIdx + len("</parameter>")
		}
		params[key] = value
		body = valueAndMore[advance:]
	}

	return ToolCall{Name: name, Params: params}, true
}

// repairDangling closes an incomplete invocation block (no terminal
// </function> observed) by appending the closing markers a complete
// block would have, so parseOneInvocation can still extract whatever
// name/parameters were fully emitted before the stream cut off.
func repairDangling(block string) string {
	if strings.HasSuffix(block, "</parameter>") || !strings.Contains(block, "<parameter=") {
		return block + functionCloseTag
	}
	// A dangling "<parameter=" with no closing tag: close it so the
	// parameter-scanning loop above terminates cleanly.
	lastParam := strings.LastIndex(block, "<parameter=")
	if !strings.Contains(block[lastParam:], ">") {
		// Not even the key delimiter closed; drop the fragment entirely.
		return block[:lastParam] + functionCloseTag
	}
	return block + "</parameter>" + functionCloseTag
}
