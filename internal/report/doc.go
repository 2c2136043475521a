// Package report writes pipeline run summaries.
//
// This package contains writers for different output formats:
//   - SimpleWriter: plain text for terminal display
//   - MarkdownWriter: Markdown with tables and a mermaid pie chart, for
//     sharing a run in an issue or a wiki
//   - JSONWriter: structured JSON for tool integration
//
// Writers only summarize runs. The items a run emitted are kept in the run
// history database.
package report
