package knowledge

import (
	"fmt"
	"strings"

	"github.com/eirproject/eir/pkg/graph"
)

// Document is a folded retrieval result handed to the workers: the topics
// that matched a query, the knowledge items attached to them, and a rendered
// text form suitable for inclusion in a prompt.
type Document struct {
	Topics []graph.Hit
	Items  []graph.Hit
	Text   string
}

// Empty reports whether retrieval found nothing.
func (d Document) Empty() bool {
	return len(d.Topics) == 0 && len(d.Items) == 0
}

// BuildDocument folds topic and item hits into a Document. Items are
// deduplicated by node id, keeping the highest-scoring occurrence, and the
// text lists each entry with its similarity score.
func BuildDocument(topics, items []graph.Hit) Document {
	doc := Document{Topics: topics, Items: dedupe(items)}

	var b strings.Builder
	if len(doc.Topics) > 0 {
		b.WriteString("Related topics:\n")
		for _, t := range doc.Topics {
			writeHit(&b, t)
		}
	}
	if len(doc.Items) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Known facts:\n")
		for _, it := range doc.Items {
			writeHit(&b, it)
		}
	}
	doc.Text = strings.TrimRight(b.String(), "\n")
	return doc
}

func writeHit(b *strings.Builder, h graph.Hit) {
	if h.Description != "" {
		fmt.Fprintf(b, "- %s: %s (similarity %.2f)\n", h.Name, h.Description, h.Score)
		return
	}
	fmt.Fprintf(b, "- %s (similarity %.2f)\n", h.Name, h.Score)
}

func dedupe(hits []graph.Hit) []graph.Hit {
	if len(hits) == 0 {
		return nil
	}
	best := make(map[int64]int, len(hits))
	out := make([]graph.Hit, 0, len(hits))
	for _, h := range hits {
		if i, ok := best[h.ID]; ok {
			if h.Score > out[i].Score {
				out[i] = h
			}
			continue
		}
		best[h.ID] = len(out)
		out = append(out, h)
	}
	return out
}
