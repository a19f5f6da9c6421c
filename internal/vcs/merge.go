package vcs

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// MergeFailureReason codes are persisted and must never be renumbered.
type MergeFailureReason int

const (
	MergeNone                     MergeFailureReason = 0
	MergeUnknown                  MergeFailureReason = 1
	MergeFailed                   MergeFailureReason = 2
	MergePushFailed               MergeFailureReason = 3
	MergeTargetIsNotHead          MergeFailureReason = 4
	MergeHgSourceHasMoreBranches  MergeFailureReason = 5
	MergeHgTargetHasMultipleHeads MergeFailureReason = 6
	MergeTargetIsLocked           MergeFailureReason = 7
	// Deprecated: code 8 is kept reserved for stored pull requests.
	MergeDeprecatedMissingCommit MergeFailureReason = 8
	MergeMissingTargetRef        MergeFailureReason = 9
	MergeMissingSourceRef        MergeFailureReason = 10
	MergeSubrepoMergeFailed      MergeFailureReason = 11
)

var mergeReasonNames = map[MergeFailureReason]string{
	MergeNone:                     "NONE",
	MergeUnknown:                  "UNKNOWN",
	MergeFailed:                   "MERGE_FAILED",
	MergePushFailed:               "PUSH_FAILED",
	MergeTargetIsNotHead:          "TARGET_IS_NOT_HEAD",
	MergeHgSourceHasMoreBranches:  "HG_SOURCE_HAS_MORE_BRANCHES",
	MergeHgTargetHasMultipleHeads: "HG_TARGET_HAS_MULTIPLE_HEADS",
	MergeTargetIsLocked:           "TARGET_IS_LOCKED",
	MergeDeprecatedMissingCommit:  "_DEPRECATED_MISSING_COMMIT",
	MergeMissingTargetRef:         "MISSING_TARGET_REF",
	MergeMissingSourceRef:         "MISSING_SOURCE_REF",
	MergeSubrepoMergeFailed:       "SUBREPO_MERGE_FAILED",
}

func (r MergeFailureReason) String() string {
	if name, ok := mergeReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("MergeFailureReason(%d)", int(r))
}

var mergeMessages = map[MergeFailureReason]string{
	MergeNone:                     "This pull request can be automatically merged.",
	MergeUnknown:                  "This pull request cannot be merged because of an unhandled exception. {exception}",
	MergeFailed:                   "This pull request cannot be merged because of merge conflicts. {unresolved_files}",
	MergePushFailed:               "This pull request could not be merged because push to target:`{target}@{merge_commit}` failed.",
	MergeTargetIsNotHead:          "This pull request cannot be merged because the target `{target_ref.name}` is not a head.",
	MergeHgSourceHasMoreBranches:  "This pull request cannot be merged because the source contains more branches than the target.",
	MergeHgTargetHasMultipleHeads: "This pull request cannot be merged because the target `{target_ref.name}` has multiple heads: `{heads}`.",
	MergeTargetIsLocked:           "This pull request cannot be merged because the target repository is locked by {locked_by}.",
	MergeDeprecatedMissingCommit:  "This pull request cannot be merged because the target or the source reference is missing.",
	MergeMissingTargetRef:         "This pull request cannot be merged because the target reference `{target_ref.name}` is missing.",
	MergeMissingSourceRef:         "This pull request cannot be merged because the source reference `{source_ref.name}` is missing.",
	MergeSubrepoMergeFailed:       "This pull request cannot be merged because of conflicts related to sub repositories.",
}

// UpdateFailureReason codes are persisted like MergeFailureReason.
type UpdateFailureReason int

const (
	UpdateNone             UpdateFailureReason = 0
	UpdateUnknown          UpdateFailureReason = 1
	UpdateNoChange         UpdateFailureReason = 2
	UpdateWrongRefType     UpdateFailureReason = 3
	UpdateMissingTargetRef UpdateFailureReason = 4
	UpdateMissingSourceRef UpdateFailureReason = 5
)

var updateReasonNames = map[UpdateFailureReason]string{
	UpdateNone:             "NONE",
	UpdateUnknown:          "UNKNOWN",
	UpdateNoChange:         "NO_CHANGE",
	UpdateWrongRefType:     "WRONG_REF_TYPE",
	UpdateMissingTargetRef: "MISSING_TARGET_REF",
	UpdateMissingSourceRef: "MISSING_SOURCE_REF",
}

func (r UpdateFailureReason) String() string {
	if name, ok := updateReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UpdateFailureReason(%d)", int(r))
}

var updateMessages = map[UpdateFailureReason]string{
	UpdateNone:             "Pull request update successful.",
	UpdateUnknown:          "Pull request update failed because of an unknown error.",
	UpdateNoChange:         "No update needed because the source and target have not changed.",
	UpdateWrongRefType:     "Pull request cannot be updated because the reference type is not supported for an update. Only Branch, Tag or Bookmark is allowed.",
	UpdateMissingTargetRef: "This pull request cannot be updated because the target reference is missing.",
	UpdateMissingSourceRef: "This pull request cannot be updated because the source reference is missing.",
}

// Message returns the human readable text for the update result.
func (r UpdateFailureReason) Message() string {
	if msg, ok := updateMessages[r]; ok {
		return msg
	}
	return updateMessages[UpdateUnknown]
}

// MergeResponse is the outcome of a merge attempt. Build it with
// NewMergeResponse so executed implies possible and a clean reason.
type MergeResponse struct {
	Possible      bool               `json:"possible"`
	Executed      bool               `json:"executed"`
	MergeRef      *Reference         `json:"merge_ref,omitempty"`
	FailureReason MergeFailureReason `json:"failure_reason"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

func NewMergeResponse(possible, executed bool, mergeRef *Reference, reason MergeFailureReason, metadata map[string]any) *MergeResponse {
	if executed && (!possible || reason != MergeNone) {
		panic(fmt.Sprintf("vcs: invalid merge response possible=%t executed=%t reason=%s", possible, executed, reason))
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &MergeResponse{
		Possible:      possible,
		Executed:      executed,
		MergeRef:      mergeRef,
		FailureReason: reason,
		Metadata:      metadata,
	}
}

// Succeeded is the common "clean merge" check.
func (r *MergeResponse) Succeeded() bool {
	return r.Possible && r.FailureReason == MergeNone
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// Message renders the human readable text for the response. When a
// placeholder has no value in Metadata the raw template is returned.
func (r *MergeResponse) Message() string {
	tmpl, ok := mergeMessages[r.FailureReason]
	if !ok {
		tmpl = mergeMessages[MergeUnknown]
	}
	msg, missing := renderTemplate(tmpl, r.Metadata)
	if len(missing) > 0 {
		slog.Warn("merge message metadata incomplete",
			"reason", r.FailureReason.String(),
			"missing", strings.Join(missing, ","))
		return tmpl
	}
	return msg
}

func renderTemplate(tmpl string, metadata map[string]any) (string, []string) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := m[1 : len(m)-1]
		v, ok := lookupMetadata(metadata, key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return formatMetadata(v)
	})
	return out, missing
}

func lookupMetadata(metadata map[string]any, key string) (any, bool) {
	if v, ok := metadata[key]; ok {
		return v, true
	}
	head, field, ok := strings.Cut(key, ".")
	if !ok {
		return nil, false
	}
	v, ok := metadata[head]
	if !ok {
		return nil, false
	}
	var ref Reference
	switch t := v.(type) {
	case Reference:
		ref = t
	case *Reference:
		if t == nil {
			return nil, false
		}
		ref = *t
	case map[string]any:
		inner, ok := t[field]
		return inner, ok
	default:
		return nil, false
	}
	switch field {
	case "name":
		return ref.Name, true
	case "type":
		return string(ref.Type), true
	case "commit_id":
		return ref.CommitID, true
	}
	return nil, false
}

func formatMetadata(v any) string {
	switch t := v.(type) {
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ", ")
	default:
		return fmt.Sprint(v)
	}
}
