// Package money содержит операции над кодами валют и суммами в минимальных единицах.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
)

// NormalizeCurrency проверяет код по ISO 4217 и возвращает его в каноническом виде.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", domain.ErrCurrencyRequired
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrCurrencyInvalid, code)
	}
	return unit.String(), nil
}

// Scale возвращает число знаков после запятой для валюты. Неизвестный код даёт 2.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// ToDecimal переводит сумму из минимальных единиц в десятичное значение.
func ToDecimal(amountMinor int64, code string) decimal.Decimal {
	return decimal.New(amountMinor, -Scale(code))
}

// Format возвращает сумму для отображения: "10000" для XOF, "12.50" для EUR.
func Format(amountMinor int64, code string) string {
	return ToDecimal(amountMinor, code).StringFixed(Scale(code))
}
