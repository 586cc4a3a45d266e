package recovery

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strings"

	"github.com/uploadguard/backend/internal/models"
)

// Strategy is the recovery action chosen for a classified error.
type Strategy string

const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyAbort    Strategy = "abort"
	StrategyIgnore   Strategy = "ignore"
)

// ModuleInitOperation is the context operation name for module loading.
// Failures in it are always critical.
const ModuleInitOperation = "module_init"

type keywordRule struct {
	errType  models.ErrorType
	keywords []string
}

// Checked in order; the first rule with a matching keyword wins.
var keywordRules = []keywordRule{
	{models.ErrorTypeModule, []string{"wasm", "module", "instantiate", "compile"}},
	{models.ErrorTypeFile, []string{"file", "read", "blob", "too large"}},
	{models.ErrorTypeNetwork, []string{"network", "fetch", "connection", "socket"}},
	{models.ErrorTypePermission, []string{"permission", "denied", "not allowed", "forbidden"}},
	{models.ErrorTypeTimeout, []string{"timeout", "timed out", "deadline"}},
}

var baseSeverity = map[models.ErrorType]models.Severity{
	models.ErrorTypeModule:     models.SeverityHigh,
	models.ErrorTypeFile:       models.SeverityMedium,
	models.ErrorTypeNetwork:    models.SeverityMedium,
	models.ErrorTypePermission: models.SeverityHigh,
	models.ErrorTypeTimeout:    models.SeverityMedium,
	models.ErrorTypeUnknown:    models.SeverityMedium,
}

// Classify maps err to a type and severity. Typed errors keep their type;
// anything else goes through well-known sentinels and then message
// keywords.
func Classify(err error, ec models.ErrorContext, retryCount int) (models.ErrorType, models.Severity) {
	t := classifyType(err)

	sev := baseSeverity[t]
	if retryCount > 3 && sev != models.SeverityCritical {
		sev = models.SeverityHigh
	}
	if ec.Operation == ModuleInitOperation {
		sev = models.SeverityCritical
	}
	return t, sev
}

func classifyType(err error) models.ErrorType {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrorTypeTimeout
	case errors.Is(err, fs.ErrPermission):
		return models.ErrorTypePermission
	case errors.Is(err, fs.ErrNotExist):
		return models.ErrorTypeFile
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.ErrorTypeTimeout
		}
		return models.ErrorTypeNetwork
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) models.ErrorType {
	msg = strings.ToLower(msg)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.errType
			}
		}
	}
	return models.ErrorTypeUnknown
}

// SelectStrategy looks up the recovery strategy for t after retryCount
// retries.
func SelectStrategy(t models.ErrorType, retryCount int) Strategy {
	switch t {
	case models.ErrorTypeModule, models.ErrorTypeTimeout:
		if retryCount < 2 {
			return StrategyRetry
		}
		return StrategyFallback
	case models.ErrorTypeNetwork:
		if retryCount < 3 {
			return StrategyRetry
		}
		return StrategyFallback
	case models.ErrorTypeFile:
		return StrategyFallback
	case models.ErrorTypePermission:
		return StrategyAbort
	default:
		return StrategyIgnore
	}
}
