package circulation

import "time"

// 貸出ステータスは保存しない。常に closed と due_at から導出する。
// （保存すると書き込みが無い間に陳腐化するため）
type Status string

const (
	StatusActive   Status = "active"
	StatusOverdue  Status = "overdue"
	StatusReturned Status = "returned"
)

// Classify: closed → returned、due_at < now（厳密未満）→ overdue、それ以外は active。
// due_at == now はまだ overdue ではない。
func Classify(l *Loan, now time.Time) Status {
	if l.Closed {
		return StatusReturned
	}
	if l.DueAt.Before(now) {
		return StatusOverdue
	}
	return StatusActive
}
