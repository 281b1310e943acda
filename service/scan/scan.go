// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package scan

import (
	"fmt"
	"path"
	"strings"

	"github.com/arbortree/pull/models/repo"
	"github.com/arbortree/pull/service/verify"
)

// MaxTreeDepth is the canonical recursion-depth bound of §4.6.
const MaxTreeDepth = 256

// ItemKind tags the three states of the C6 FSM.
type ItemKind uint8

const (
	ItemCommit ItemKind = iota + 1
	ItemDirTree
	ItemDirMeta
)

// Item is one unit of scan work (§3 "scan_object_queue").
type Item struct {
	Kind        ItemKind
	Checksum    repo.Checksum
	Ref         repo.Ref
	KeyringRef  string
	Path        string // slash-separated path from the tree root, "" at root
	TreeDepth   int    // dirtree recursion depth, bounded by MaxTreeDepth
	CommitDepth int    // remaining commit-ancestor depth; negative = infinite
}

// FetchRequest is a request for an object the scan step could not resolve
// locally, to be handed to the scheduler's content/metadata fetch classes.
// Requeue, when set, names the scan item that becomes processable once this
// fetch lands; the caller pushes it back onto the scan queue from the
// fetch's completion callback rather than descending into it immediately.
type FetchRequest struct {
	Kind     repo.Kind
	Checksum repo.Checksum
	Requeue  *Item
}

// Result is what processing one Item produces: further items to enqueue,
// and fetch requests for objects not yet local.
type Result struct {
	NextItems []Item
	Fetches   []FetchRequest
}

// Processor runs the C6 state machine over one item at a time.
type Processor struct {
	store    repo.Store
	verifier *verify.Object
	importer repo.Importer // nil if no local mirror/localcache configured
	opts     verify.Options
	subdirs  []string // empty: no filter, traverse everything
}

// New builds a scan Processor.
func New(store repo.Store, verifier *verify.Object, importer repo.Importer, opts verify.Options, subdirs []string) *Processor {
	return &Processor{store: store, verifier: verifier, importer: importer, opts: opts, subdirs: subdirs}
}

// Process dispatches on item.Kind (§4.6).
func (p *Processor) Process(item Item, ctx verify.CommitContext) (Result, error) {
	switch item.Kind {
	case ItemCommit:
		return p.processCommit(item, ctx)
	case ItemDirTree:
		return p.processDirTree(item)
	case ItemDirMeta:
		return p.processDirMeta(item)
	default:
		return Result{}, fmt.Errorf("unknown scan item kind (%d)", item.Kind)
	}
}

func (p *Processor) processCommit(item Item, ctx verify.CommitContext) (Result, error) {
	raw, err := p.store.Load(item.Checksum, repo.KindCommit)
	if err != nil {
		return Result{}, repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", item.Checksum), err)
	}

	var commit repo.Commit
	if err := repo.Unmarshal(raw, &commit); err != nil {
		return Result{}, repo.Wrap(repo.KindVerification, fmt.Sprintf("commit %s", item.Checksum), err)
	}

	var sigs [][]byte
	metaRaw, err := p.store.Load(item.Checksum, repo.KindCommitMeta)
	if err == nil {
		var meta repo.CommitMeta
		if err := repo.Unmarshal(metaRaw, &meta); err == nil {
			sigs = meta.Signatures
		}
	}

	if err := p.verifier.VerifyCommit(item.Checksum, &commit, raw, sigs, ctx, p.opts); err != nil {
		return Result{}, err
	}

	var fetches []FetchRequest
	var next []Item

	if item.CommitDepth != 0 && !commit.Parent.IsZero() {
		present, err := p.store.Has(commit.Parent, repo.KindCommit)
		if err != nil {
			return Result{}, repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", commit.Parent), err)
		}
		childDepth := item.CommitDepth
		if childDepth > 0 {
			childDepth--
		}
		parentItem := Item{
			Kind:        ItemCommit,
			Checksum:    commit.Parent,
			Ref:         item.Ref,
			KeyringRef:  item.KeyringRef,
			CommitDepth: childDepth,
		}
		if present {
			next = append(next, parentItem)
		} else {
			fetches = append(fetches, FetchRequest{Kind: repo.KindCommit, Checksum: commit.Parent, Requeue: &parentItem})
		}
	}

	partial, err := p.store.IsPartial(item.Checksum)
	if err != nil {
		return Result{}, repo.Wrap(repo.KindFatal, fmt.Sprintf("commit %s", item.Checksum), err)
	}
	if partial {
		treeItem := Item{Kind: ItemDirTree, Checksum: commit.RootTree, Ref: item.Ref, KeyringRef: item.KeyringRef, Path: "", TreeDepth: 0}
		metaItem := Item{Kind: ItemDirMeta, Checksum: commit.RootMeta, Ref: item.Ref, KeyringRef: item.KeyringRef, Path: ""}
		childNext, childFetches, err := p.childItems(treeItem, metaItem)
		if err != nil {
			return Result{}, err
		}
		next = append(next, childNext...)
		fetches = append(fetches, childFetches...)
	}

	return Result{NextItems: next, Fetches: fetches}, nil
}

// childItems decides, for one dirtree/dirmeta pair, whether to descend
// straight into them (already local) or request they be fetched first. A
// fetch request carries the item that becomes processable once it lands, so
// the pull engine can requeue it from the fetch's completion callback rather
// than handing it to Process against a store entry that is not there yet.
func (p *Processor) childItems(treeItem, metaItem Item) ([]Item, []FetchRequest, error) {
	var next []Item
	var fetches []FetchRequest

	treePresent, err := p.store.Has(treeItem.Checksum, repo.KindDirTree)
	if err != nil {
		return nil, nil, repo.Wrap(repo.KindFatal, fmt.Sprintf("dirtree %s", treeItem.Checksum), err)
	}
	if treePresent {
		next = append(next, treeItem)
	} else {
		ti := treeItem
		fetches = append(fetches, FetchRequest{Kind: repo.KindDirTree, Checksum: treeItem.Checksum, Requeue: &ti})
	}

	metaPresent, err := p.store.Has(metaItem.Checksum, repo.KindDirMeta)
	if err != nil {
		return nil, nil, repo.Wrap(repo.KindFatal, fmt.Sprintf("dirmeta %s", metaItem.Checksum), err)
	}
	if metaPresent {
		next = append(next, metaItem)
	} else {
		mi := metaItem
		fetches = append(fetches, FetchRequest{Kind: repo.KindDirMeta, Checksum: metaItem.Checksum, Requeue: &mi})
	}

	return next, fetches, nil
}

func (p *Processor) processDirTree(item Item) (Result, error) {
	if item.TreeDepth > MaxTreeDepth {
		return Result{}, repo.Wrap(repo.KindFatal, item.Path, fmt.Errorf("recursion depth exceeds %d", MaxTreeDepth))
	}

	raw, err := p.store.Load(item.Checksum, repo.KindDirTree)
	if err != nil {
		return Result{}, repo.Wrap(repo.KindFatal, fmt.Sprintf("dirtree %s", item.Checksum), err)
	}

	var tree repo.DirTree
	if err := repo.Unmarshal(raw, &tree); err != nil {
		return Result{}, repo.Wrap(repo.KindVerification, fmt.Sprintf("dirtree %s", item.Checksum), err)
	}
	if err := p.verifier.VerifyDirTree(&tree); err != nil {
		return Result{}, err
	}

	var next []Item
	var fetches []FetchRequest

	for _, f := range tree.Files {
		childPath := path.Join(item.Path, f.Name)
		if !p.matchesFilter(childPath) {
			continue
		}
		present, err := p.store.Has(f.Checksum, repo.KindFile)
		if err != nil {
			return Result{}, repo.Wrap(repo.KindFatal, childPath, err)
		}
		if present {
			continue
		}
		if p.importer != nil {
			data, ok, err := p.importer.Import(f.Checksum, repo.KindFile)
			if err != nil {
				return Result{}, repo.Wrap(repo.KindFatal, childPath, err)
			}
			if ok {
				if err := p.verifier.VerifyChecksum(f.Checksum, data); err != nil {
					return Result{}, err
				}
				if err := p.store.Write(f.Checksum, repo.KindFile, data); err != nil {
					return Result{}, repo.Wrap(repo.KindFatal, childPath, err)
				}
				continue
			}
		}
		fetches = append(fetches, FetchRequest{Kind: repo.KindFile, Checksum: f.Checksum})
	}

	for _, s := range tree.Subs {
		childPath := path.Join(item.Path, s.Name)
		if !p.matchesFilter(childPath) {
			continue
		}
		treeItem := Item{Kind: ItemDirTree, Checksum: s.TreeChecksum, Ref: item.Ref, KeyringRef: item.KeyringRef, Path: childPath, TreeDepth: item.TreeDepth + 1}
		metaItem := Item{Kind: ItemDirMeta, Checksum: s.MetaChecksum, Ref: item.Ref, KeyringRef: item.KeyringRef, Path: childPath}
		childNext, childFetches, err := p.childItems(treeItem, metaItem)
		if err != nil {
			return Result{}, err
		}
		next = append(next, childNext...)
		fetches = append(fetches, childFetches...)
	}

	return Result{NextItems: next, Fetches: fetches}, nil
}

func (p *Processor) processDirMeta(item Item) (Result, error) {
	raw, err := p.store.Load(item.Checksum, repo.KindDirMeta)
	if err != nil {
		return Result{}, repo.Wrap(repo.KindFatal, fmt.Sprintf("dirmeta %s", item.Checksum), err)
	}

	var meta repo.DirMeta
	if err := repo.Unmarshal(raw, &meta); err != nil {
		return Result{}, repo.Wrap(repo.KindVerification, fmt.Sprintf("dirmeta %s", item.Checksum), err)
	}
	if err := p.verifier.VerifyDirMeta(&meta); err != nil {
		return Result{}, err
	}

	return Result{}, nil
}

// matchesFilter reports whether childPath falls under one of the configured
// subdir filters (§6 "subdir/subdirs"). An empty filter list matches
// everything.
func (p *Processor) matchesFilter(childPath string) bool {
	if len(p.subdirs) == 0 {
		return true
	}
	for _, prefix := range p.subdirs {
		prefix = strings.TrimPrefix(prefix, "/")
		if childPath == prefix || strings.HasPrefix(childPath, prefix+"/") || strings.HasPrefix(prefix, childPath+"/") {
			return true
		}
	}
	return false
}
