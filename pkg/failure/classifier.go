package failure

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Class is the routing taxonomy a failed attempt falls into.
type Class string

const (
	ClassNone         Class = ""
	ClassConnection   Class = "connection"
	ClassIncompatible Class = "workflow_incompatibility"
	ClassTransient    Class = "transient"
)

// Action is what the scheduler does with a worker and a job after a failure.
type Action struct {
	WorkerOffline  bool // mark the worker offline for re-check
	StripAffinity  bool // remove the worker's affinity for the job's fingerprint
	Retry          bool // re-queue the job
	ConsumeAttempt bool // count the retry against max attempts
	RequireOther   bool // only retry when another eligible worker exists
}

// Action returns the remedial policy for c.
func (c Class) Action() Action {
	switch c {
	case ClassConnection:
		return Action{WorkerOffline: true, Retry: true}
	case ClassIncompatible:
		return Action{StripAffinity: true, Retry: true, ConsumeAttempt: true, RequireOther: true}
	default:
		return Action{}
	}
}

var (
	connectionPatterns = []string{
		"connection refused",
		"econnrefused",
		"connection reset",
		"econnreset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"timed out",
		"timeout",
		"unexpected eof",
		"fetch failed",
		"socket hang up",
	}

	// Input names that carry a model or checkpoint selection.
	modelFields = []string{
		"ckpt_name",
		"checkpoint",
		"lora_name",
		"vae_name",
		"unet_name",
		"clip_name",
		"model_name",
		"control_net_name",
		"upscale_model",
	}

	missingNodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`node type not found`),
		regexp.MustCompile(`missing_node_type`),
		regexp.MustCompile(`cannot execute because (a )?node .* does not exist`),
		regexp.MustCompile(`node '?[\w.\- ]+'? does not exist`),
		regexp.MustCompile(`\b(keyerror|modulenotfounderror|nodenotfounderror)\b:?\s*'?[\w.]+'?`),
		regexp.MustCompile(`no module named '?[\w.]+'?`),
	}
)

// Classify places err into exactly one class. A nil error has ClassNone.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindDisconnected:
			return ClassConnection
		case KindMissingNode:
			// Only a definition the worker lacks is the worker's problem; a
			// node absent from the graph fails the same way everywhere.
			if fe.NodeType == "" {
				return ClassTransient
			}
			return ClassIncompatible
		case KindEnqueueFailed:
			if len(fe.Body) == 0 {
				return ClassConnection
			}
			return classifyBody(bodyText(fe.Body))
		case KindCustomEvent:
			return classifyBody(strings.ToLower(fe.ExceptionType + ": " + fe.ExceptionMessage))
		default:
			return ClassTransient
		}
	}

	// A bare error has no structured body to reason about, so it is treated
	// as transport trouble whether or not it looks like one.
	return ClassConnection
}

// IsConnectionError reports whether err looks like a transport failure.
func IsConnectionError(err error) bool {
	return err != nil && isConnectionError(err)
}

func classifyBody(text string) Class {
	if matchesIncompatibility(text) {
		return ClassIncompatible
	}
	return ClassTransient
}

func matchesIncompatibility(text string) bool {
	if strings.Contains(text, "value not in list") || strings.Contains(text, "value_not_in_list") {
		if matchesAny(text, modelFields) {
			return true
		}
	}
	for _, re := range missingNodePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return matchesAny(strings.ToLower(err.Error()), connectionPatterns)
}

func matchesAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func bodyText(body map[string]any) string {
	raw, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return strings.ToLower(string(raw))
}
