package models

import "time"

// Table names of the resources mirrored on the device.
const (
	TableAssets        = "assets"
	TableLiabilities   = "liabilities"
	TableBudgets       = "budgets"
	TableDailyExpenses = "daily_expenses"
	TableIncome        = "income"
	TableTransactions  = "transactions"
	TableSettings      = "settings"
)

// Tables lists every table the local store creates.
var Tables = []string{
	TableAssets,
	TableLiabilities,
	TableBudgets,
	TableDailyExpenses,
	TableIncome,
	TableTransactions,
	TableSettings,
}

type Asset struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Amount    string    `json:"amount"`
	Category  string    `json:"category,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type Liability struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Amount       string    `json:"amount"`
	InterestRate string    `json:"interestRate,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

type Budget struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Limit     string    `json:"limit"`
	Period    string    `json:"period,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type DailyExpense struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Category    string    `json:"category,omitempty"`
	Date        string    `json:"date"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type Income struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Amount    string    `json:"amount"`
	Date      string    `json:"date,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type Transaction struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Amount      string    `json:"amount"`
	Kind        string    `json:"kind"`
	Date        string    `json:"date"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

type Setting struct {
	ID        string    `json:"id"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
