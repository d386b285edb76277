package quota

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/getcharzp/go-cutout/internal/store"
)

// Counter 统计历史操作次数
type Counter interface {
	CountRecords(ctx context.Context, userID, operation string, since time.Time) (int, error)
}

// Entitlement 调用方的权益
type Entitlement struct {
	Plan    string
	IsAdmin bool
	Paid    bool
}

// Exempt 付费用户和管理员不受限
func (e Entitlement) Exempt() bool {
	return e.Paid || e.IsAdmin
}

// PlanName 记账使用的套餐名称, 未设置时为 free
func (e Entitlement) PlanName() string {
	if e.Plan == "" {
		return "free"
	}
	return e.Plan
}

// Credits 本次调用消耗的额度
func Credits(e Entitlement) int {
	if e.Exempt() {
		return 0
	}
	return 1
}

// ExceededError 免费额度已用完
type ExceededError struct {
	Limit int
	Used  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("Monthly background removal limit reached (%d free per month). Upgrade to a paid plan for unlimited access.", e.Limit)
}

// Gate 免费用户的月度额度检查
//
// 先统计再执行, 两个并发请求可能同时通过边界检查, 额度是软上限.
type Gate struct {
	counter   Counter
	limit     int
	paidPlans []string
	now       func() time.Time

	// OnCountError 统计失败时回调, 失败按 0 次处理
	OnCountError func(userID string, err error)
}

// NewGate 创建额度检查
//
// # Params:
//
//	counter: 历史记录统计
//	limit: 免费用户每月次数
//	paidPlans: 视为付费的套餐
func NewGate(counter Counter, limit int, paidPlans []string) *Gate {
	return &Gate{
		counter:   counter,
		limit:     limit,
		paidPlans: append([]string(nil), paidPlans...),
		now:       time.Now,
	}
}

// Limit 免费用户每月次数
func (g *Gate) Limit() int {
	return g.limit
}

// Entitlement 根据用户档案判断权益
func (g *Gate) Entitlement(p *store.Profile) Entitlement {
	return Entitlement{
		Plan:    p.Plan,
		IsAdmin: p.IsAdmin,
		Paid:    p.Plan != "" && slices.Contains(g.paidPlans, p.Plan),
	}
}

// Check 免费用户本月抠图次数达到上限时返回 *ExceededError
func (g *Gate) Check(ctx context.Context, userID string, e Entitlement) error {
	if e.Exempt() {
		return nil
	}
	used, err := g.counter.CountRecords(ctx, userID, store.OperationBackgroundRemoval, MonthStart(g.now()))
	if err != nil {
		if g.OnCountError != nil {
			g.OnCountError(userID, err)
		}
		used = 0
	}
	if used >= g.limit {
		return &ExceededError{Limit: g.limit, Used: used}
	}
	return nil
}

// MonthStart 当月 1 日 00:00 UTC
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
