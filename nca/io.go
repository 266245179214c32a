// Copyright (c) 2024, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nca

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// RuleWts is the JSON weights file format for one Rule.
type RuleWts struct {
	Channels int
	Hidden   int
	FireRate float32
	W1       []float32
	B1       []float32
	W2       []float32
	B2       []float32
}

// PerturbWts is the JSON weights file format for a composed Perturb
// rule: both sub-rules in one file.
type PerturbWts struct {
	Base RuleWts
	New  RuleWts
}

// SaveWtsJSON saves the rule's learned parameters to a JSON-formatted
// file.  If filename has .gz extension, then file is gzip compressed.
// Refuses to replace an existing file unless overwrite is set, leaving
// it untouched.
func (ru *Rule) SaveWtsJSON(filename string, overwrite bool) error {
	return saveWts(filename, overwrite, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(ru.wts())
	})
}

// OpenWtsJSON opens learned parameters saved by SaveWtsJSON.  If
// filename has .gz extension, then file is gzip uncompressed.  Fails
// without partial effects if the file's geometry does not match this
// rule's configuration.
func (ru *Rule) OpenWtsJSON(filename string) error {
	return openWts(filename, func(r io.Reader) error {
		var rw RuleWts
		if err := json.NewDecoder(r).Decode(&rw); err != nil {
			log.Println(err)
			return err
		}
		return ru.SetWts(&rw)
	})
}

func (ru *Rule) wts() *RuleWts {
	return &RuleWts{
		Channels: ru.Config.Channels,
		Hidden:   ru.Config.Hidden,
		FireRate: ru.Config.FireRate,
		W1:       ru.W1.Val, B1: ru.B1.Val, W2: ru.W2.Val, B2: ru.B2.Val,
	}
}

// checkWts verifies that decoded RuleWts values match this rule's
// geometry, without applying anything.
func (ru *Rule) checkWts(rw *RuleWts) error {
	if rw.Channels != ru.Config.Channels || rw.Hidden != ru.Config.Hidden {
		return fmt.Errorf("nca.Rule.SetWts: geometry mismatch: file has %d channels x %d hidden, rule has %d x %d", rw.Channels, rw.Hidden, ru.Config.Channels, ru.Config.Hidden)
	}
	for _, ck := range []struct {
		name string
		vals []float32
		p    *Param
	}{{"W1", rw.W1, ru.W1}, {"B1", rw.B1, ru.B1}, {"W2", rw.W2, ru.W2}, {"B2", rw.B2, ru.B2}} {
		if len(ck.vals) != len(ck.p.Val) {
			return fmt.Errorf("nca.Rule.SetWts: %s has %d values, expected %d", ck.name, len(ck.vals), len(ck.p.Val))
		}
	}
	return nil
}

// SetWts sets the learned parameters from decoded RuleWts values,
// checking geometry first so that nothing is applied on mismatch.
func (ru *Rule) SetWts(rw *RuleWts) error {
	if err := ru.checkWts(rw); err != nil {
		return err
	}
	copy(ru.W1.Val, rw.W1)
	copy(ru.B1.Val, rw.B1)
	copy(ru.W2.Val, rw.W2)
	copy(ru.B2.Val, rw.B2)
	return nil
}

// SaveWtsJSON saves both composed rules' parameters to one
// JSON-formatted file.  Same overwrite and .gz semantics as
// Rule.SaveWtsJSON.
func (pt *Perturb) SaveWtsJSON(filename string, overwrite bool) error {
	return saveWts(filename, overwrite, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(&PerturbWts{Base: *pt.Base.wts(), New: *pt.New.wts()})
	})
}

// OpenWtsJSON opens composed parameters saved by Perturb.SaveWtsJSON.
// Neither rule is modified if either fails to match.
func (pt *Perturb) OpenWtsJSON(filename string) error {
	return openWts(filename, func(r io.Reader) error {
		var pw PerturbWts
		if err := json.NewDecoder(r).Decode(&pw); err != nil {
			log.Println(err)
			return err
		}
		// geometry-check both before applying either
		if err := pt.Base.checkWts(&pw.Base); err != nil {
			return err
		}
		if err := pt.New.checkWts(&pw.New); err != nil {
			return err
		}
		pt.Base.SetWts(&pw.Base)
		return pt.New.SetWts(&pw.New)
	})
}

func saveWts(filename string, overwrite bool, enc func(w io.Writer) error) error {
	if !overwrite {
		if _, err := os.Stat(filename); err == nil {
			return fmt.Errorf("nca: weights file already exists: %s -- pass overwrite to replace it", filename)
		}
	}
	fp, err := os.Create(filename)
	if err != nil {
		log.Println(err)
		return err
	}
	defer fp.Close()
	if filepath.Ext(filename) == ".gz" {
		gzr := gzip.NewWriter(fp)
		err = enc(gzr)
		gzr.Close()
	} else {
		bw := bufio.NewWriter(fp)
		err = enc(bw)
		bw.Flush()
	}
	return err
}

func openWts(filename string, dec func(r io.Reader) error) error {
	fp, err := os.Open(filename)
	if err != nil {
		log.Println(err)
		return err
	}
	defer fp.Close()
	if filepath.Ext(filename) == ".gz" {
		gzr, err := gzip.NewReader(fp)
		if err != nil {
			log.Println(err)
			return err
		}
		defer gzr.Close()
		return dec(gzr)
	}
	return dec(bufio.NewReader(fp))
}
