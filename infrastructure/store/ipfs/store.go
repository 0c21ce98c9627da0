// Package ipfs stores objects in the mutable file system of an IPFS node. Content is added and pinned as
// CIDv1 and then linked under its path, so every path resolves to an immutable content id.
package ipfs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	files "github.com/ipfs/go-ipfs-files"
	httpapi "github.com/ipfs/go-ipfs-http-client"
	"github.com/ipfs/interface-go-ipfs-core/options"
	"github.com/pkg/errors"
	"github.com/swarmos/go-epoch-sealer/entities"
)

const mfsFileType = 0

type request interface {
	Send(ctx context.Context) (*httpapi.Response, error)
}

type Store struct {
	api *httpapi.HttpApi
}

func NewStore(url string, client *http.Client) (*Store, error) {
	api, err := httpapi.NewURLApiWithClient(url, client)
	if err != nil {
		return nil, errors.Wrapf(err, "creating ipfs client for [%s]", url)
	}
	return &Store{api: api}, nil
}

// Put adds and pins data and links it at path, replacing what was there. Returns the content id.
func (s *Store) Put(ctx context.Context, target string, data []byte) (string, error) {
	resolved, err := s.api.Unixfs().Add(ctx, files.NewBytesFile(data),
		options.Unixfs.CidVersion(1),
		options.Unixfs.Pin(true),
	)
	if err != nil {
		return "", errors.Wrapf(err, "adding content for [%s]", target)
	}
	contentID := resolved.Cid()

	exists, err := s.Exists(ctx, target)
	if err != nil {
		return "", err
	}
	if exists {
		if err := s.exec(ctx, s.api.Request("files/rm", target)); err != nil {
			return "", errors.Wrapf(err, "removing previous [%s]", target)
		}
	}
	if err := s.exec(ctx, s.api.Request("files/mkdir", path.Dir(target)).Option("parents", true)); err != nil {
		return "", errors.Wrapf(err, "creating directory of [%s]", target)
	}
	if err := s.exec(ctx, s.api.Request("files/cp", "/ipfs/"+contentID.String(), target)); err != nil {
		return "", errors.Wrapf(err, "linking [%s]", target)
	}
	return contentID.String(), nil
}

func (s *Store) Get(ctx context.Context, target string) ([]byte, error) {
	res, err := s.api.Request("files/read", target).Send(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "reading [%s]", target)
	}
	defer res.Close()
	if res.Error != nil {
		return nil, wrapNotFound(res.Error, target)
	}
	data, err := io.ReadAll(res.Output)
	if err != nil {
		return nil, errors.Wrapf(err, "reading [%s]", target)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, target string) (bool, error) {
	_, err := s.ContentID(ctx, target)
	if errors.Is(err, entities.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type statResponse struct {
	Hash string
	Type string
}

func (s *Store) ContentID(ctx context.Context, target string) (string, error) {
	var stat statResponse
	if err := s.decode(ctx, s.api.Request("files/stat", target), &stat); err != nil {
		return "", wrapNotFound(err, target)
	}
	if _, err := cid.Decode(stat.Hash); err != nil {
		return "", errors.Wrapf(err, "invalid content id [%s] for [%s]", stat.Hash, target)
	}
	return stat.Hash, nil
}

type lsResponse struct {
	Entries []struct {
		Name string
		Type int
	}
}

// List returns the sorted paths of the files directly below prefix. A missing directory is empty.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	dir := strings.TrimSuffix(prefix, "/")
	var ls lsResponse
	if err := s.decode(ctx, s.api.Request("files/ls", dir).Option("long", true), &ls); err != nil {
		err = wrapNotFound(err, dir)
		if errors.Is(err, entities.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	paths := make([]string, 0, len(ls.Entries))
	for _, entry := range ls.Entries {
		if entry.Type == mfsFileType {
			paths = append(paths, path.Join(dir, entry.Name))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Store) exec(ctx context.Context, req request) error {
	res, err := req.Send(ctx)
	if err != nil {
		return err
	}
	defer res.Close()
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func (s *Store) decode(ctx context.Context, req request, out any) error {
	res, err := req.Send(ctx)
	if err != nil {
		return err
	}
	defer res.Close()
	if res.Error != nil {
		return res.Error
	}
	return json.NewDecoder(res.Output).Decode(out)
}

func wrapNotFound(err error, target string) error {
	var apiErr *httpapi.Error
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "does not exist") {
		return errors.Wrapf(entities.ErrNotFound, "path [%s]", target)
	}
	return errors.Wrapf(err, "path [%s]", target)
}
