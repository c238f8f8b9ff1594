package circulation

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		loan Loan
		want Status
	}{
		{
			name: "未返却かつ期限前",
			loan: Loan{DueAt: now.Add(time.Second)},
			want: StatusActive,
		},
		{
			name: "未返却かつ期限超過",
			loan: Loan{DueAt: now.Add(-time.Second)},
			want: StatusOverdue,
		},
		{
			name: "due_at ちょうどは overdue ではない",
			loan: Loan{DueAt: now},
			want: StatusActive,
		},
		{
			name: "返却済み",
			loan: Loan{
				DueAt:      now.Add(time.Hour),
				ReturnedAt: sql.NullTime{Time: now, Valid: true},
				Closed:     true,
			},
			want: StatusReturned,
		},
		{
			name: "返却済みは期限超過でも returned",
			loan: Loan{
				DueAt:      now.Add(-time.Hour),
				ReturnedAt: sql.NullTime{Time: now, Valid: true},
				Closed:     true,
			},
			want: StatusReturned,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.loan, now))
		})
	}
}
