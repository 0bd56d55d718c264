package feed

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"
)

// Generator writes the subscription list as an OPML 2.0 document that the
// Expander can read back.
type Generator struct {
	title string
}

func NewGenerator(title string) *Generator {
	return &Generator{title: title}
}

func (g *Generator) Run(subscriptions []Subscription, generatedAt time.Time) (string, error) {
	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<opml version="2.0">`)
	buf.WriteString("\n  <head>\n")

	g.writeElement(&buf, "title", g.title, 4)
	g.writeElement(&buf, "dateCreated", generatedAt.Format(time.RFC1123Z), 4)

	buf.WriteString("  </head>\n  <body>\n")

	for _, subscription := range subscriptions {
		if err := g.writeOutline(&buf, subscription); err != nil {
			return "", err
		}
	}

	buf.WriteString("  </body>\n</opml>")

	return buf.String(), nil
}

func (g *Generator) writeOutline(buf *bytes.Buffer, subscription Subscription) error {
	if subscription.URL == "" {
		return fmt.Errorf("subscription without URL")
	}

	text := subscription.DisplayName()
	if text == "" {
		text = subscription.URL
	}

	buf.WriteString(`    <outline type="rss" text="`)
	g.writeAttr(buf, text)
	buf.WriteString(`" title="`)
	g.writeAttr(buf, text)
	buf.WriteString(`" xmlUrl="`)
	g.writeAttr(buf, subscription.URL)
	buf.WriteString("\"/>\n")

	return nil
}

func (g *Generator) writeAttr(buf *bytes.Buffer, value string) {
	xml.EscapeText(buf, []byte(value))
}

func (g *Generator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}

	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}
