package mailer

import "strings"

// ThreadInfo carries the threading headers of a reply. Ids are stored without
// angle brackets.
type ThreadInfo struct {
	MessageID  string
	InReplyTo  string
	References []string
}

// BuildThreadInfo threads a reply under the original message identified by
// messageID, extending the original's references chain.
func BuildThreadInfo(messageID string, references []string) *ThreadInfo {
	messageID = normalizeID(messageID)

	seen := make(map[string]bool, len(references)+1)
	var refs []string
	for _, r := range append(append([]string{}, references...), messageID) {
		r = normalizeID(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		refs = append(refs, r)
	}

	return &ThreadInfo{
		MessageID:  messageID,
		InReplyTo:  messageID,
		References: refs,
	}
}

// ReplySubject prefixes subject unless it already starts with prefix,
// compared case-insensitively.
func ReplySubject(subject, prefix string) string {
	if prefix == "" {
		return subject
	}
	trimmedPrefix := strings.TrimSpace(prefix)
	lower := strings.ToLower(strings.TrimSpace(subject))
	if strings.HasPrefix(lower, strings.ToLower(trimmedPrefix)) {
		return subject
	}
	return prefix + subject
}

func normalizeID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
