package naming

import "fmt"

// DefaultPrefix is used when no prefix is configured.
const DefaultPrefix = "vmpilot"

// ShortID returns the first eight characters of a request ID.
func ShortID(requestID string) string {
	if len(requestID) > 8 {
		return requestID[:8]
	}
	return requestID
}

func Server(prefix, requestID string, instance int) string {
	return fmt.Sprintf("%s-%s-%d", prefix, ShortID(requestID), instance)
}

func Inventory(prefix, requestID string, instance int) string {
	return Server(prefix, requestID, instance) + "-inventory"
}

func AuditArchive(requestID string) string {
	return fmt.Sprintf("audit/%s.jsonl", requestID)
}

func Artifact(digest string) string {
	return fmt.Sprintf("artifacts/%s", digest)
}
