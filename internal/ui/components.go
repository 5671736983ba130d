// Package ui renders the node dashboard served at /_node.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"
)

// Bucket is one row of the bucket table.
type Bucket struct {
	Name         string
	CreationDate string
	Versioning   string
}

// Tier is one row of the tier table.
type Tier struct {
	Name      string
	Count     int
	TotalSize int64
}

// Torrent is one row of the tracked content table.
type Torrent struct {
	Name      string
	InfoHash  string
	Tier      string
	TotalSize int64
	Magnet    string
}

// Dashboard is everything the node page shows. Swarm is false when the
// node runs without a distributor, in which case the tier and torrent
// tables are left out.
type Dashboard struct {
	Buckets []Bucket

	Swarm       bool
	Tiers       []Tier
	Torrents    []Torrent
	Seeding     int
	Downloading int
	Paused      int
	Peers       int
}

// pageWriter remembers the first write error so the render functions can
// emit markup without checking every call.
type pageWriter struct {
	w   io.Writer
	err error
}

func (p *pageWriter) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *pageWriter) printf(format string, args ...any) {
	if p.err == nil {
		_, p.err = fmt.Fprintf(p.w, format, args...)
	}
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw("<!DOCTYPE html><html lang=\"en\"><head><meta charset=\"utf-8\">")
		p.raw("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		p.printf("<title>%s</title>", html.EscapeString(title))
		p.raw("<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		p.raw("</head><body><main class=\"container\">")
		if p.err != nil {
			return p.err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		p.raw("</main></body></html>")
		return p.err
	})
}

// DashboardPage renders the node overview.
func DashboardPage(d Dashboard) templ.Component {
	return Layout("Depot Node", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &pageWriter{w: w}
		p.raw("<header><h1>Depot Node</h1></header>")

		p.raw("<section><h2>Buckets</h2>")
		if len(d.Buckets) == 0 {
			p.raw("<p>No buckets found.</p>")
		} else {
			p.raw("<table><thead><tr><th>Name</th><th>Created</th><th>Versioning</th></tr></thead><tbody>")
			for _, b := range d.Buckets {
				p.printf("<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
					html.EscapeString(b.Name), html.EscapeString(b.CreationDate), html.EscapeString(b.Versioning))
			}
			p.raw("</tbody></table>")
		}
		p.raw("</section>")

		if !d.Swarm {
			p.raw("<section><p>Swarm distribution is disabled on this node.</p></section>")
			return p.err
		}

		p.raw("<section><h2>Swarm</h2>")
		p.printf("<p>Seeding %d, downloading %d, paused %d, connected peers %d.</p>", d.Seeding, d.Downloading, d.Paused, d.Peers)
		p.raw("<table><thead><tr><th>Tier</th><th>Records</th><th>Size (bytes)</th></tr></thead><tbody>")
		for _, t := range d.Tiers {
			p.printf("<tr><td>%s</td><td>%d</td><td>%d</td></tr>", html.EscapeString(t.Name), t.Count, t.TotalSize)
		}
		p.raw("</tbody></table></section>")

		p.raw("<section><h2>Tracked content</h2>")
		if len(d.Torrents) == 0 {
			p.raw("<p>No content is tracked.</p></section>")
			return p.err
		}
		p.raw("<table><thead><tr><th>Name</th><th>Tier</th><th>Size (bytes)</th><th>Info hash</th></tr></thead><tbody>")
		for _, t := range d.Torrents {
			p.printf("<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%d</td><td><code>%s</code></td></tr>",
				html.EscapeString(t.Magnet), html.EscapeString(t.Name), html.EscapeString(t.Tier), t.TotalSize, html.EscapeString(t.InfoHash))
		}
		p.raw("</tbody></table></section>")
		return p.err
	}))
}
