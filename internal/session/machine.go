package session

import "github.com/fintrak/fintrak/internal/protocol"

// TTLs applied on session writes, in seconds. The shorter prompt TTL is
// used while the flow is waiting on the user (or on a worker) mid-request.
const (
	IdleTTLSeconds   = 900
	PromptTTLSeconds = 300
)

// ResetCommand ends the session from any state.
const ResetCommand = "0"

// Target names the work queue a transition wants a work item published to.
type Target int

const (
	TargetNone Target = iota
	TargetImage
	TargetQuery
)

// Outcome is the full result of evaluating one inbound turn: the state to
// persist (or a deletion), the synchronous reply, and at most one enqueue.
type Outcome struct {
	Next       State
	TTLSeconds int
	Reply      string
	Enqueue    Target
	Persist    bool
	Delete     bool
}

// Transition is the pure mapping from (state, message body) to an Outcome.
// It performs no I/O; the dispatcher applies the session write and enqueue.
func Transition(state State, body string) Outcome {
	if body == ResetCommand {
		return Outcome{Delete: true, Reply: protocol.ReplySessionEnded}
	}

	switch state {
	case StateStart:
		return Outcome{
			Next:       StateChoosing,
			TTLSeconds: IdleTTLSeconds,
			Reply:      protocol.ReplyWelcome(),
			Persist:    true,
		}
	case StateChoosing:
		switch body {
		case "1":
			return Outcome{
				Next:       StateAwaitingImage,
				TTLSeconds: PromptTTLSeconds,
				Reply:      protocol.ReplyAskImage,
				Persist:    true,
			}
		case "2":
			return Outcome{
				Next:       StateAwaitingText,
				TTLSeconds: PromptTTLSeconds,
				Reply:      protocol.ReplyAskText,
				Persist:    true,
			}
		default:
			return Outcome{Next: StateChoosing, Reply: protocol.ReplyInvalidChoice}
		}
	case StateAwaitingImage:
		return Outcome{
			Next:       StateProcessing,
			TTLSeconds: PromptTTLSeconds,
			Reply:      protocol.ReplyProcessingImage,
			Enqueue:    TargetImage,
			Persist:    true,
		}
	case StateAwaitingText:
		return Outcome{
			Next:       StateProcessing,
			TTLSeconds: PromptTTLSeconds,
			Reply:      protocol.ReplyProcessingQuery,
			Enqueue:    TargetQuery,
			Persist:    true,
		}
	case StateProcessing:
		return Outcome{Next: StateProcessing, Reply: protocol.ReplyPleaseWait}
	case StateError:
		return Outcome{
			Next:       StateStart,
			TTLSeconds: IdleTTLSeconds,
			Reply:      protocol.ReplyRestart(),
			Persist:    true,
		}
	default:
		// ParseState collapses unknown values to StateStart before we get
		// here; keep the switch total anyway.
		return Outcome{
			Next:       StateChoosing,
			TTLSeconds: IdleTTLSeconds,
			Reply:      protocol.ReplyWelcome(),
			Persist:    true,
		}
	}
}
