package payment

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/paycore/pkg/plugins"
)

// OutcomeKind is the interpreted result of a plugin call
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeDeclined
	OutcomeFault
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeclined:
		return "declined"
	default:
		return "fault"
	}
}

// Outcome is the plugin answer reduced to what the state machine acts on.
// Info is set for Success and Declined; Err for Fault.
type Outcome struct {
	Kind OutcomeKind
	Info *plugins.PaymentInfo
	Err  *PluginAPIError
}

// Classify maps a plugin return into an Outcome. Errors, missing info and
// unrecognized statuses are all faults.
func Classify(pluginName string, info *plugins.PaymentInfo, err error) Outcome {
	if err != nil {
		var perr *PluginAPIError
		if !errors.As(err, &perr) {
			perr = &PluginAPIError{Plugin: pluginName, Err: err}
		}
		return Outcome{Kind: OutcomeFault, Err: perr}
	}
	if info == nil {
		return Outcome{Kind: OutcomeFault, Err: &PluginAPIError{Plugin: pluginName, Err: errors.New("no payment info returned")}}
	}

	switch info.Status {
	case plugins.StatusProcessed:
		return Outcome{Kind: OutcomeSuccess, Info: info}
	case plugins.StatusError:
		return Outcome{Kind: OutcomeDeclined, Info: info}
	default:
		return Outcome{Kind: OutcomeFault, Err: &PluginAPIError{
			Plugin: pluginName,
			Err:    fmt.Errorf("unrecognized payment status %q", info.Status),
		}}
	}
}
