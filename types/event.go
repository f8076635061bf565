package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventBlockProposed  EventType = "block.proposed"
	EventBlockReceived  EventType = "block.received"
	EventQCFormed       EventType = "qc.formed"
	EventBlockCommitted EventType = "block.committed"
	EventViewAdvanced   EventType = "view.advanced"
	EventViewTimeout    EventType = "view.timeout"
	EventAnchorEmitted  EventType = "anchor.emitted"
	EventShadowChanged  EventType = "shadow.state"
	EventSlashEvidence  EventType = "slash.evidence"
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }

// BlockCommittedData EventBlockCommitted 附带数据
type BlockCommittedData struct {
	Block   *Block
	Receipt *ExecReceipt
}

// ViewAdvancedData EventViewAdvanced 附带数据
type ViewAdvancedData struct {
	View   uint64
	Leader string
	Reason string // "qc" | "timeout"
}
