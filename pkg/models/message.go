package models

// Role identifies the speaker of a provider-facing message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a linearised conversation as sent to a provider.
//
// Assistant messages may carry ToolCalls; tool messages carry the ToolCallID
// they answer and IsError when the tool failed.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// MessageFromNode converts a node into its provider-facing message.
func MessageFromNode(n *Node) Message {
	switch n.Kind {
	case NodeSystem:
		return Message{Role: RoleSystem, Content: n.Text}
	case NodeUser:
		return Message{Role: RoleUser, Content: n.Text}
	case NodeAssistant:
		msg := Message{Role: RoleAssistant, Content: n.Text}
		if len(n.ToolCalls) > 0 {
			msg.ToolCalls = append([]ToolCall(nil), n.ToolCalls...)
		}
		return msg
	case NodeSummary:
		return Message{Role: RoleAssistant, Content: n.Text}
	case NodeToolResult:
		return Message{Role: RoleTool, Content: n.Content, ToolCallID: n.ToolCallID, IsError: !n.Success}
	default:
		return Message{Role: RoleUser, Content: n.Text}
	}
}
