package handlers

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.French)

// formatEuros renders a whole euro amount with French digit grouping.
func formatEuros(v float64) string {
	if v == 0 {
		return "–"
	}
	return printer.Sprintf("%.0f €", v)
}

func formatChange(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return printer.Sprintf("%+.1f %%", *v)
}
