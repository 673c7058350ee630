package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/chaos-io/bgstudio/codec"
	"github.com/chaos-io/bgstudio/composite"
	"github.com/chaos-io/bgstudio/pipeline"
	"github.com/chaos-io/bgstudio/util"
	nhttp "github.com/chaos-io/bgstudio/util/http"
)

// oneShot runs a single image through the pipeline without starting the server.
type oneShot struct {
	in         string
	out        string
	background string
	format     string
	radius     float64
	client     nhttp.IClient
}

// run returns the path actually written; the extension follows the output format.
func (o oneShot) run(ctx context.Context, p *pipeline.Pipeline) (string, error) {
	mode, err := composite.ParseMode(o.background)
	if err != nil {
		return "", err
	}
	var format codec.Format
	if o.format != "" {
		if format, err = codec.ParseFormat(o.format); err != nil {
			return "", err
		}
	}

	data, err := o.load(ctx)
	if err != nil {
		return "", err
	}

	req, err := p.DecodeRequest(bytes.NewReader(data), mode)
	if err != nil {
		return "", err
	}
	req.Format = format
	if mode == composite.ModeBlur {
		req.Radius = o.radius
	}

	res, err := p.Process(ctx, req)
	if err != nil {
		return "", err
	}

	out := strings.TrimSuffix(o.out, res.Format.Extension()) + res.Format.Extension()
	if err := util.WriteFile(out, res.Data); err != nil {
		return "", err
	}
	return out, nil
}

// load 读取本地图片，http(s) 开头时下载图片
func (o oneShot) load(ctx context.Context) ([]byte, error) {
	if !strings.HasPrefix(o.in, "http://") && !strings.HasPrefix(o.in, "https://") {
		return util.ReadFile(o.in)
	}

	cli := o.client
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	var data []byte
	err := cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: o.in,
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", o.in, err)
	}
	return data, nil
}
