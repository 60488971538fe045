// Package engine rasterizes document payloads for the render coordinator.
package engine

import (
	"bufio"
	"bytes"
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var _ ports.Engine = (*Poppler)(nil)

// Poppler drives the pdfinfo and pdftoppm command line tools.
type Poppler struct {
	pdfinfo  string
	pdftoppm string
}

func NewPoppler(pdfinfoPath, pdftoppmPath string) *Poppler {
	if pdfinfoPath == "" {
		pdfinfoPath = "pdfinfo"
	}
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	return &Poppler{pdfinfo: pdfinfoPath, pdftoppm: pdftoppmPath}
}

// Open spools the payload to a temporary file and reads the page sizes.
func (p *Poppler) Open(ctx context.Context, payload []byte) (ports.RasterDocument, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(payload, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, fmt.Errorf("payload is not a PDF document")
	}

	f, err := os.CreateTemp("", "docviewer-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close spool file: %w", err)
	}

	out, err := p.run(ctx, p.pdfinfo, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	pages, err := parsePageCount(out)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	out, err = p.run(ctx, p.pdfinfo, "-f", "1", "-l", strconv.Itoa(pages), path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	sizes := parsePageSizes(out, pages)

	return &popplerDoc{engine: p, path: path, sizes: sizes}, nil
}

func (p *Poppler) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

var (
	pagesLine    = regexp.MustCompile(`^Pages:\s+(\d+)`)
	pageSizeLine = regexp.MustCompile(`^Page\s+(\d+)\s+size:\s+([\d.]+)\s+x\s+([\d.]+)\s+pts`)
	anySizeLine  = regexp.MustCompile(`^Page size:\s+([\d.]+)\s+x\s+([\d.]+)\s+pts`)
)

func parsePageCount(out []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if m := pagesLine.FindStringSubmatch(sc.Text()); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return 0, fmt.Errorf("invalid page count %q: %w", m[1], err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("pdfinfo output has no page count")
}

// parsePageSizes reads per-page sizes in points. Pages that are missing
// from the output take the size of the first page, or US Letter.
func parsePageSizes(out []byte, pages int) []models.Viewport {
	sizes := make([]models.Viewport, pages)
	fallback := models.Viewport{Width: 612, Height: 792}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if m := pageSizeLine.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n < 1 || n > pages {
				continue
			}
			w, _ := strconv.ParseFloat(m[2], 64)
			h, _ := strconv.ParseFloat(m[3], 64)
			sizes[n-1] = models.Viewport{Width: w, Height: h}
			continue
		}
		if m := anySizeLine.FindStringSubmatch(line); m != nil {
			w, _ := strconv.ParseFloat(m[1], 64)
			h, _ := strconv.ParseFloat(m[2], 64)
			fallback = models.Viewport{Width: w, Height: h}
		}
	}
	for i := range sizes {
		if sizes[i].Width <= 0 || sizes[i].Height <= 0 {
			sizes[i] = fallback
		}
	}
	return sizes
}

type popplerDoc struct {
	engine *Poppler
	path   string
	sizes  []models.Viewport

	closeOnce sync.Once
}

func (d *popplerDoc) NumPages() int { return len(d.sizes) }

func (d *popplerDoc) Page(ctx context.Context, number int) (ports.RasterPage, error) {
	if number < 1 || number > len(d.sizes) {
		return nil, fmt.Errorf("%w: %d", models.ErrPageOutOfRange, number)
	}
	return &popplerPage{doc: d, number: number, size: d.sizes[number-1]}, nil
}

func (d *popplerDoc) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = os.Remove(d.path)
	})
	return err
}

type popplerPage struct {
	doc    *popplerDoc
	number int
	size   models.Viewport
}

// Viewport is the page size in pixels at 72 dpi times scale.
func (p *popplerPage) Viewport(scale float64) models.Viewport {
	return models.Viewport{Width: p.size.Width * scale, Height: p.size.Height * scale}
}

func (p *popplerPage) Render(ctx context.Context, vp models.Viewport) (*image.RGBA, error) {
	w, h, err := vp.PixelSize()
	if err != nil {
		return nil, err
	}
	page := strconv.Itoa(p.number)

	out, err := p.doc.engine.run(ctx, p.doc.engine.pdftoppm,
		"-f", page, "-l", page,
		"-png", "-singlefile",
		"-scale-to-x", strconv.Itoa(w),
		"-scale-to-y", strconv.Itoa(h),
		p.doc.path, "-",
	)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("failed to decode page %d: %w", p.number, err)
	}
	return toRGBA(img), nil
}
