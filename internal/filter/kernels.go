package filter

import "image"

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b)) / 1000)
}

func clamp8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func grayscaleKernel(dst, src *image.RGBA, y0, y1 int) {
	w := src.Rect.Dx()
	for y := y0; y < y1; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for i := 0; i < len(s); i += 4 {
			l := luma(s[i], s[i+1], s[i+2])
			d[i], d[i+1], d[i+2], d[i+3] = l, l, l, s[i+3]
		}
	}
}

// mangaKernel reduces the frame to black and white, with a checker dither
// for mid tones.
func mangaKernel(dst, src *image.RGBA, y0, y1 int) {
	w := src.Rect.Dx()
	for y := y0; y < y1; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			i := x * 4
			l := luma(s[i], s[i+1], s[i+2])
			var v uint8
			switch {
			case l >= 170:
				v = 255
			case l >= 85:
				if (x+y)%2 == 0 {
					v = 255
				}
			}
			d[i], d[i+1], d[i+2], d[i+3] = v, v, v, s[i+3]
		}
	}
}

// legoKernel pixelates into square blocks sampled at their centre.
func legoKernel(dst, src *image.RGBA, y0, y1 int) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	block := w / 40
	if block < 1 {
		block = 1
	}
	for y := y0; y < y1; y++ {
		sy := min((y/block)*block+block/2, h-1)
		row := src.Pix[sy*src.Stride:]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			sx := min((x/block)*block+block/2, w-1)
			copy(d[x*4:x*4+4], row[sx*4:sx*4+4])
		}
	}
}

func filmKernel(dst, src *image.RGBA, y0, y1 int) {
	w := src.Rect.Dx()
	for y := y0; y < y1; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for i := 0; i < len(s); i += 4 {
			r, g, b := int(s[i]), int(s[i+1]), int(s[i+2])
			d[i] = clamp8((393*r + 769*g + 189*b) / 1000)
			d[i+1] = clamp8((349*r + 686*g + 168*b) / 1000)
			d[i+2] = clamp8((272*r + 534*g + 131*b) / 1000)
			d[i+3] = s[i+3]
		}
	}
}

// rgbSplitKernel offsets the red and blue channels horizontally.
func rgbSplitKernel(dst, src *image.RGBA, y0, y1 int) {
	w := src.Rect.Dx()
	shift := w / 100
	if shift < 1 {
		shift = 1
	}
	for y := y0; y < y1; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			rx := min(x+shift, w-1)
			bx := max(x-shift, 0)
			i := x * 4
			d[i] = s[rx*4]
			d[i+1] = s[i+1]
			d[i+2] = s[bx*4+2]
			d[i+3] = s[i+3]
		}
	}
}

// mirrorKernel reflects the left half onto the right (and, with vertical,
// the top half onto the bottom).
func mirrorKernel(horizontal, vertical bool) Kernel {
	return func(dst, src *image.RGBA, y0, y1 int) {
		w, h := src.Rect.Dx(), src.Rect.Dy()
		for y := y0; y < y1; y++ {
			sy := y
			if vertical && y >= h/2 {
				sy = h - 1 - y
			}
			s := src.Pix[sy*src.Stride : sy*src.Stride+w*4]
			d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
			for x := 0; x < w; x++ {
				sx := x
				if horizontal && x >= w/2 {
					sx = w - 1 - x
				}
				copy(d[x*4:x*4+4], s[sx*4:sx*4+4])
			}
		}
	}
}

// toonKernel posterizes each channel to four levels.
func toonKernel(dst, src *image.RGBA, y0, y1 int) {
	w := src.Rect.Dx()
	for y := y0; y < y1; y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+w*4]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for i := 0; i < len(s); i += 4 {
			for c := 0; c < 3; c++ {
				d[i+c] = (s[i+c] / 64) * 85
			}
			d[i+3] = s[i+3]
		}
	}
}
