package analysis

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/whale-analyst/internal/extract"
	"github.com/sells-group/whale-analyst/internal/gather"
	"github.com/sells-group/whale-analyst/internal/provider"
)

const instructionsTemplate = `%s

%s

Return a single valid JSON object with these fields:
%s
Do not wrap the JSON in markdown and do not add any text before or after it.
If some context is marked unavailable, still answer, and lower your confidence.`

const maxRecentShown = 5

// Instructions renders the shared, per-kind part of the prompt.
func (k *Kind) Instructions() string {
	return fmt.Sprintf(instructionsTemplate, k.Role, k.Task, describeFields(k.Schema, k.Docs))
}

func describeFields(s extract.Schema, docs map[string]string) string {
	var b strings.Builder
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "- %s: %s", f.Name, fieldType(f))
		if f.Required {
			b.WriteString(", required")
		}
		if d := docs[f.Name]; d != "" {
			b.WriteString(" (" + d + ")")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func fieldType(f extract.Field) string {
	switch {
	case len(f.Enum) > 0:
		return "one of " + strings.Join(f.Enum, ", ")
	case f.Type == extract.TypeArray && f.ItemType != "":
		return "array of " + string(f.ItemType)
	default:
		return string(f.Type)
	}
}

// BuildPrompt renders the prompt for one job. Limitation notes are included
// so the model knows what could not be verified.
func BuildPrompt(k *Kind, gc *gather.Context, notes []gather.Note) provider.Prompt {
	p := message.NewPrinter(language.English)
	in := gc.Input

	var b strings.Builder
	b.WriteString("Transfer:\n")
	fmt.Fprintf(&b, "- chain: %s\n", in.ChainOrDefault())
	fmt.Fprintf(&b, "- tx_hash: %s\n", in.TxHash)
	b.WriteString(p.Sprintf("- amount: %.4f %s\n", in.Amount, strings.ToUpper(in.Asset)))
	if gc.AmountUSD > 0 {
		b.WriteString(p.Sprintf("- value_usd: $%.2f\n", gc.AmountUSD))
	}
	if gc.Price != nil {
		b.WriteString(p.Sprintf("- reference_price: $%.2f (%s)\n", gc.Price.USD, gc.Price.Source))
	}
	if in.BlockNumber > 0 {
		b.WriteString(p.Sprintf("- block: %d\n", in.BlockNumber))
	}
	if !in.Timestamp.IsZero() {
		fmt.Fprintf(&b, "- time: %s\n", in.Timestamp.UTC().Format(time.RFC3339))
	}

	writeParty(&b, p, "Sender", gc.From)
	writeParty(&b, p, "Recipient", gc.To)

	if len(notes) > 0 {
		b.WriteString("\nData limitations:\n")
		for _, n := range notes {
			b.WriteString("- " + n.String() + "\n")
		}
	}

	return provider.Prompt{Instructions: k.Instructions(), Context: b.String()}
}

func writeParty(b *strings.Builder, p *message.Printer, title string, party gather.Party) {
	fmt.Fprintf(b, "\n%s %s:\n", title, party.Address)
	if party.Label != nil {
		fmt.Fprintf(b, "- label: %s (%s)\n", party.Label.Name, party.Label.Type)
	}
	switch {
	case party.Unavailable:
		b.WriteString("- history: unavailable\n")
	case party.History != nil:
		h := party.History
		b.WriteString(p.Sprintf("- transactions sent: %d\n", h.TxCount))
		if !h.LastSeen.IsZero() {
			fmt.Fprintf(b, "- last active: %s\n", h.LastSeen.Format(time.RFC3339))
		}
		for i, tx := range h.Recent {
			if i == maxRecentShown {
				fmt.Fprintf(b, "- ... %d more recent transactions\n", len(h.Recent)-maxRecentShown)
				break
			}
			direction := "out"
			if strings.EqualFold(tx.To, party.Address) {
				direction = "in"
			}
			fmt.Fprintf(b, "- recent %s: %s wei, %s\n", direction, tx.ValueWei, tx.Timestamp.Format(time.RFC3339))
		}
	}
}
