package blob

import "fmt"

// Object key layout. Keys are deterministic per (user, file) so that repeated
// processing of the same job overwrites rather than accumulates.
//
//	users/<user_id>/files/<file_id>/original.<ext>
//	users/<user_id>/files/<file_id>/report.json
//	users/<user_id>/files/<file_id>/raw_llm_output.json

// OriginalKey returns the storage key for an uploaded transcript.
func OriginalKey(userID, fileID, ext string) string {
	return fmt.Sprintf("users/%s/files/%s/original.%s", userID, fileID, ext)
}

// ReportKey returns the storage key for the validated report artifact.
func ReportKey(userID, fileID string) string {
	return fmt.Sprintf("users/%s/files/%s/report.json", userID, fileID)
}

// RawOutputKey returns the storage key for the raw LLM output kept for
// diagnostics when validation fails.
func RawOutputKey(userID, fileID string) string {
	return fmt.Sprintf("users/%s/files/%s/raw_llm_output.json", userID, fileID)
}
