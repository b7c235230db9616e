package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output форматирует вывод vgapctl: таблицы для человека, JSON для скриптов.
// Данные идут в stdout, сообщения в stderr.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выводит таблицу или jsonData в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит строки под заголовком с разделителем.
// Пустой набор строк выводится как "(none)" в stderr.
func (o *Output) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(o.errW, "(none)")
		return
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Failure("encode output: " + err.Error())
	}
}

// Success выводит сообщение в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Failure выводит сообщение об ошибке в stderr.
func (o *Output) Failure(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

const progressBarWidth = 20

// progressBar рисует процент выполнения: "[#####...............]  25.0%".
func progressBar(percent float64) string {
	percent = min(max(percent, 0), 100)
	filled := int(percent / 100 * progressBarWidth)
	return fmt.Sprintf("[%s%s] %5.1f%%",
		strings.Repeat("#", filled), strings.Repeat(".", progressBarWidth-filled), percent)
}
