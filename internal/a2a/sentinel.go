package a2a

import "strings"

// Reply and announce sentinels. An agent answers with ReplySkipToken when it
// has nothing further to add to an exchange, and with AnnounceSkipToken when
// the exchange needs no summary back to the originating channel.
const (
	ReplySkipToken    = "NO_REPLY"
	AnnounceSkipToken = "NO_ANNOUNCE"
)

// IsReplySkip checks if the text is a reply-skip token. The token counts
// when it stands alone or leads/trails the text at a word boundary, so
// "NO_REPLY." and "done, NO_REPLY" both skip.
func IsReplySkip(text string) bool {
	return hasSentinel(text, ReplySkipToken)
}

// IsAnnounceSkip checks if the text is an announce-skip token.
func IsAnnounceSkip(text string) bool {
	return hasSentinel(text, AnnounceSkipToken)
}

func hasSentinel(text, token string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
