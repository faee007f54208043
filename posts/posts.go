// Package posts builds app.bsky.feed.post records: text, rich-text facets
// with byte-accurate offsets, and external or image embeds. Facet offsets are
// byte positions into the UTF-8 encoding of the text, per the AT Protocol
// rich-text convention, so multi-byte characters must be counted in bytes,
// not runes.
package posts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Feature $type values.
const (
	featureLink    = "app.bsky.richtext.facet#link"
	featureMention = "app.bsky.richtext.facet#mention"
	featureTag     = "app.bsky.richtext.facet#tag"
)

// Uploader supplies blob references for image embeds. The client implements
// it via com.atproto.repo.uploadBlob.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (json.RawMessage, error)
}

// AllowedVideoMIMETypes are the container formats the video service accepts.
var AllowedVideoMIMETypes = []string{
	"video/mp4", "video/mpeg", "video/webm", "video/quicktime", "image/gif",
}

// StrongRef is a cid+uri pair identifying one exact record revision.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Reply threads a post under an existing one. Parent is the post being
// answered; Root is the top of the thread, which equals Parent when the
// parent is not itself a reply.
type Reply struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// ByteSlice is a half-open byte range into the post text.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type Feature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"`
	DID  string `json:"did,omitempty"`
	Tag  string `json:"tag,omitempty"`
}

type Facet struct {
	Index    ByteSlice `json:"index"`
	Features []Feature `json:"features"`
}

// External is a link-card embed.
type External struct {
	URI         string          `json:"uri"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Thumb       json.RawMessage `json:"thumb,omitempty"`
}

type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Image is one image embed; Blob is the raw blob reference returned by
// uploadBlob, passed through untouched.
type Image struct {
	Alt         string          `json:"alt"`
	Blob        json.RawMessage `json:"image"`
	AspectRatio *AspectRatio    `json:"aspectRatio,omitempty"`
}

// Video is a video embed; Blob is the raw blob reference returned by
// uploadBlob, passed through untouched. A post carries at most one video.
type Video struct {
	Blob        json.RawMessage `json:"video"`
	AspectRatio *AspectRatio    `json:"aspectRatio,omitempty"`
	Alt         string          `json:"alt,omitempty"`
}

// Post is a post under construction. Zero value plus Text is a valid
// text-only post. External, Images, and Video are mutually exclusive embed
// kinds; the record builder rejects a post mixing them.
type Post struct {
	Text      string
	CreatedAt time.Time
	Langs     []string
	Facets    []Facet
	External  *External
	Images    []Image
	Video     *Video
	Reply     *Reply
}

// New returns a text-only post.
func New(text string) *Post {
	return &Post{Text: text}
}

// AddLink attaches a link facet over the first occurrence of substr in the
// post text.
func (p *Post) AddLink(substr, uri string) error {
	start, end, err := p.locate(substr)
	if err != nil {
		return err
	}
	p.AddLinkAt(start, end, uri)
	return nil
}

// AddLinkAt attaches a link facet over an explicit byte range.
func (p *Post) AddLinkAt(byteStart, byteEnd int, uri string) {
	p.Facets = append(p.Facets, Facet{
		Index:    ByteSlice{ByteStart: byteStart, ByteEnd: byteEnd},
		Features: []Feature{{Type: featureLink, URI: uri}},
	})
}

// AddMention attaches a mention facet over the first occurrence of substr
// (typically the "@handle" text) pointing at did.
func (p *Post) AddMention(substr, did string) error {
	start, end, err := p.locate(substr)
	if err != nil {
		return err
	}
	p.Facets = append(p.Facets, Facet{
		Index:    ByteSlice{ByteStart: start, ByteEnd: end},
		Features: []Feature{{Type: featureMention, DID: did}},
	})
	return nil
}

// AddTag attaches a hashtag facet over the first occurrence of substr. tag is
// stored without the leading "#".
func (p *Post) AddTag(substr, tag string) error {
	start, end, err := p.locate(substr)
	if err != nil {
		return err
	}
	p.Facets = append(p.Facets, Facet{
		Index:    ByteSlice{ByteStart: start, ByteEnd: end},
		Features: []Feature{{Type: featureTag, Tag: strings.TrimPrefix(tag, "#")}},
	})
	return nil
}

// SetExternal attaches a link-card embed. Mutually exclusive with images; the
// record builder rejects a post carrying both.
func (p *Post) SetExternal(uri, title, description string, thumb json.RawMessage) {
	p.External = &External{URI: uri, Title: title, Description: description, Thumb: thumb}
}

// AddImage attaches an uploaded image blob. Width/height 0 omits the aspect
// ratio.
func (p *Post) AddImage(alt string, blob json.RawMessage, width, height int) {
	img := Image{Alt: alt, Blob: blob}
	if width > 0 && height > 0 {
		img.AspectRatio = &AspectRatio{Width: width, Height: height}
	}
	p.Images = append(p.Images, img)
}

// SetVideo attaches an uploaded video blob. Width/height 0 omits the aspect
// ratio.
func (p *Post) SetVideo(blob json.RawMessage, width, height int, alt string) {
	v := &Video{Blob: blob, Alt: alt}
	if width > 0 && height > 0 {
		v.AspectRatio = &AspectRatio{Width: width, Height: height}
	}
	p.Video = v
}

// SetReply threads the post under parent, with root marking the top of the
// thread.
func (p *Post) SetReply(root, parent StrongRef) {
	p.Reply = &Reply{Root: root, Parent: parent}
}

// AttachVideo uploads video data through u and attaches it as the post's
// video embed. The MIME type must be one of AllowedVideoMIMETypes; the
// service rejects other containers outright.
func (p *Post) AttachVideo(ctx context.Context, u Uploader, data []byte, mimeType, alt string, width, height int) error {
	if !videoMIMEAllowed(mimeType) {
		return fmt.Errorf("video mime type %q not accepted (allowed: %s)", mimeType, strings.Join(AllowedVideoMIMETypes, ", "))
	}
	blob, err := u.UploadBlob(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("upload video: %w", err)
	}
	p.SetVideo(blob, width, height, alt)
	return nil
}

func videoMIMEAllowed(mimeType string) bool {
	for _, m := range AllowedVideoMIMETypes {
		if m == mimeType {
			return true
		}
	}
	return false
}

// AttachImage uploads data through u and appends the resulting blob as an
// image embed.
func (p *Post) AttachImage(ctx context.Context, u Uploader, data []byte, mimeType, alt string, width, height int) error {
	blob, err := u.UploadBlob(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	p.AddImage(alt, blob, width, height)
	return nil
}

func (p *Post) locate(substr string) (int, int, error) {
	idx := strings.Index(p.Text, substr)
	if idx < 0 {
		return 0, 0, fmt.Errorf("facet text %q not found in post", substr)
	}
	return idx, idx + len(substr), nil
}

// Record produces the app.bsky.feed.post record map ready for
// com.atproto.repo.createRecord.
func (p *Post) Record() (map[string]any, error) {
	embeds := 0
	if p.External != nil {
		embeds++
	}
	if len(p.Images) > 0 {
		embeds++
	}
	if p.Video != nil {
		embeds++
	}
	if embeds > 1 {
		return nil, fmt.Errorf("post can carry only one embed kind (external, images, or video)")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	rec := map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      p.Text,
		"createdAt": createdAt.UTC().Format(time.RFC3339),
	}
	if len(p.Langs) > 0 {
		rec["langs"] = p.Langs
	}
	if len(p.Facets) > 0 {
		rec["facets"] = p.Facets
	}
	if p.External != nil {
		rec["embed"] = map[string]any{
			"$type":    "app.bsky.embed.external",
			"external": p.External,
		}
	}
	if len(p.Images) > 0 {
		rec["embed"] = map[string]any{
			"$type":  "app.bsky.embed.images",
			"images": p.Images,
		}
	}
	if p.Video != nil {
		embed := map[string]any{
			"$type": "app.bsky.embed.video",
			"video": p.Video.Blob,
		}
		if p.Video.AspectRatio != nil {
			embed["aspectRatio"] = p.Video.AspectRatio
		}
		if p.Video.Alt != "" {
			embed["alt"] = p.Video.Alt
		}
		rec["embed"] = embed
	}
	if p.Reply != nil {
		rec["reply"] = p.Reply
	}
	return rec, nil
}
