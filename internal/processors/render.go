package processors

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/store"
)

// RenderJSON encodes rec as indented JSON.
func RenderJSON(rec models.LeadRecord) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode lead record: %w", err)
	}
	return append(data, '\n'), nil
}

// RenderCSV renders rec as a two-row CSV: a header of field keys and one row of values. The
// fixed columns come first.
func RenderCSV(rec models.LeadRecord) ([]byte, error) {
	header := []string{"user_id", "user_name", "complete", "created_at", "summary"}
	row := []string{rec.UserID, rec.UserName, strconv.FormatBool(rec.Complete), rec.CreatedAt.Format(time.RFC3339), rec.Summary}
	for _, f := range rec.Fields {
		header = append(header, f.Key)
		row = append(row, f.Value)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll([][]string{header, row}); err != nil {
		return nil, fmt.Errorf("encode lead csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportQaPairs writes every user's answers as CSV rows of
// user_id, user_name, status, index, question, answer, answered_at.
func ExportQaPairs(ctx context.Context, st store.Store, questionCount int, out io.Writer) (int, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	w := csv.NewWriter(out)
	if err := w.Write([]string{"user_id", "user_name", "status", "index", "question", "answer", "answered_at"}); err != nil {
		return 0, err
	}
	rows := 0
	for _, userID := range users {
		p, err := st.GetProgress(ctx, userID)
		if err != nil {
			return rows, fmt.Errorf("get progress for %s: %w", userID, err)
		}
		pairs, err := st.ListQaPairs(ctx, userID)
		if err != nil {
			return rows, fmt.Errorf("list qa pairs for %s: %w", userID, err)
		}
		name, _ := st.GetUserName(ctx, userID)
		status := "in_progress"
		if p.Finished(questionCount) {
			status = "finished"
		}
		for _, pair := range pairs {
			if err := w.Write([]string{
				userID, name, status, strconv.Itoa(pair.Index + 1), pair.Question, pair.Answer,
				pair.CreatedAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return rows, err
			}
			rows++
		}
	}
	w.Flush()
	return rows, w.Error()
}
