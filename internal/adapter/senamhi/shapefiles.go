package senamhi

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/couchcryptid/senamhi-tracker-service/internal/domain"
)

var zipMagic = []byte("PK\x03\x04")

// FetchShapefileArchive downloads the zipped shapefile of one warning day.
// The geoserver answers 200 with an XML exception report when the view is
// empty, so any non-zip body is reported as ErrNotFound.
func (c *Client) FetchShapefileArchive(ctx context.Context, key domain.ArchiveKey) ([]byte, error) {
	body, err := c.get(ctx, c.shapefileURL(key), "shapefile")
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(body, zipMagic) {
		return nil, fmt.Errorf("warning %d day %d: %w: response is not a zip archive", key.Number, key.Day, ErrNotFound)
	}
	return body, nil
}

func (c *Client) shapefileURL(key domain.ArchiveKey) string {
	view := fmt.Sprintf("%d_%d_%d", key.Number, key.Day, key.Year)
	params := url.Values{
		"service":        {"WFS"},
		"version":        {"1.0.0"},
		"request":        {"GetFeature"},
		"typeName":       {"g_aviso:view_aviso"},
		"format_options": {"filename:shp_aviso_" + view + ".zip"},
		"maxFeatures":    {"50"},
		"viewparams":     {"qry:" + view},
		"outputFormat":   {"SHAPE-ZIP"},
	}
	return c.geoserverURL + "?" + params.Encode()
}
