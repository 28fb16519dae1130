package forward

// ForwardMode classifies the phase of one forward pass. The mode is fixed for
// the lifetime of a pass and decides which parts of the batch record are
// populated.
type ForwardMode int

const (
	// ModePrefill is deprecated: ModeExtend covers a fresh prompt with an
	// empty cached prefix. Still accepted because older schedulers emit it,
	// and it assembles exactly like an extend pass.
	ModePrefill ForwardMode = iota + 1
	// ModeExtend ingests new prompt tokens. The KV cache may already hold a
	// prefix of the sequence (e.g. a shared system prompt).
	ModeExtend
	// ModeDecode emits exactly one new token per request.
	ModeDecode
	// ModeMixed contains both extend and decode requests in one pass.
	ModeMixed
)

func (m ForwardMode) IsPrefill() bool { return m == ModePrefill }

// IsExtend reports whether the pass carries extend bookkeeping. Mixed batches
// do: their decode requests are represented as one-token extends.
func (m ForwardMode) IsExtend() bool { return m == ModeExtend || m == ModeMixed }

func (m ForwardMode) IsDecode() bool { return m == ModeDecode }

func (m ForwardMode) IsMixed() bool { return m == ModeMixed }

// Valid reports whether m is one of the four closed tags. Batch construction
// rejects anything else.
func (m ForwardMode) Valid() bool { return m >= ModePrefill && m <= ModeMixed }

func (m ForwardMode) String() string {
	switch m {
	case ModePrefill:
		return "prefill"
	case ModeExtend:
		return "extend"
	case ModeDecode:
		return "decode"
	case ModeMixed:
		return "mixed"
	default:
		return "unknown"
	}
}
