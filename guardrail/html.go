package guardrail

import (
	"context"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HTMLSanitizer strips markup from HTML input before it reaches the model:
// script and style elements and comments are removed entirely, and all tags
// except the allowed ones are unwrapped to their text content.
type HTMLSanitizer struct {
	allowed map[string]bool
}

// NewHTMLSanitizer creates the sanitizer. With no allowed tags everything is
// reduced to plain text; pass tags like "b", "em", "code" to preserve them.
func NewHTMLSanitizer(allowedTags ...string) *HTMLSanitizer {
	allowed := make(map[string]bool, len(allowedTags))
	for _, tag := range allowedTags {
		allowed[strings.ToLower(tag)] = true
	}
	return &HTMLSanitizer{allowed: allowed}
}

func (g *HTMLSanitizer) Meta() Meta {
	return Meta{
		ID:          "html-sanitizer",
		Name:        "HTML Sanitizer",
		Description: "Strips scripts, styles, comments, and disallowed tags from HTML input",
		Severity:    SeverityWarning,
	}
}

func (g *HTMLSanitizer) CheckInput(_ context.Context, payload InputPayload) (InputResult, error) {
	return redactPayload(payload, g.sanitize), nil
}

func (g *HTMLSanitizer) sanitize(input string) string {
	if !strings.Contains(input, "<") {
		return input
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
	if err != nil {
		return input
	}
	doc.Find("script, style").Remove()

	var sb strings.Builder
	body := doc.Find("body")
	if body.Length() == 0 {
		return input
	}
	for _, node := range body.Nodes {
		g.render(&sb, node, false)
	}
	return sb.String()
}

func (g *HTMLSanitizer) render(sb *strings.Builder, n *html.Node, keepSelf bool) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		if keepSelf {
			sb.WriteString("<" + n.Data + ">")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		keep := c.Type == html.ElementNode && g.allowed[c.Data]
		g.render(sb, c, keep)
	}
	if n.Type == html.ElementNode && keepSelf {
		sb.WriteString("</" + n.Data + ">")
	}
}

// HTMLToMarkdown converts HTML model output into Markdown. It has no stream
// handler: conversion needs the whole document, so it only runs at finalize.
type HTMLToMarkdown struct {
	converter *md.Converter
}

// NewHTMLToMarkdown creates the converter guardrail.
func NewHTMLToMarkdown() *HTMLToMarkdown {
	return &HTMLToMarkdown{converter: md.NewConverter("", true, nil)}
}

func (g *HTMLToMarkdown) Meta() Meta {
	return Meta{
		ID:          "html-to-markdown",
		Name:        "HTML To Markdown",
		Description: "Converts HTML output to Markdown",
		Severity:    SeverityInfo,
	}
}

func (g *HTMLToMarkdown) CheckOutput(_ context.Context, payload OutputPayload) (OutputResult, error) {
	if !strings.Contains(payload.Output, "<") {
		return OutputResult{Action: ActionPass}, nil
	}
	converted, err := g.converter.ConvertString(payload.Output)
	if err != nil {
		return OutputResult{Action: ActionPass}, nil
	}
	if converted == payload.Output {
		return OutputResult{Action: ActionPass}, nil
	}
	return OutputResult{Action: ActionModify, ModifiedOutput: converted}, nil
}

var (
	_ InputGuardrail  = (*HTMLSanitizer)(nil)
	_ OutputGuardrail = (*HTMLToMarkdown)(nil)
)
