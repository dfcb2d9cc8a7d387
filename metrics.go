// Copyright 2024 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TabletMetrics collects the tablet's operational counters. All fields are
// safe for concurrent use. The struct is always allocated; registration on a
// prometheus.Registerer is optional.
type TabletMetrics struct {
	RowsInserted      prometheus.Counter
	RowsMutated       prometheus.Counter
	InsertDupKeys     prometheus.Counter
	MutationsNotFound prometheus.Counter
	Flushes           prometheus.Counter
	Compactions       prometheus.Counter
	DeltaFlushes      prometheus.Counter
	BloomProbes       prometheus.Counter
	BloomHits         prometheus.Counter

	MemRowSetSize prometheus.Gauge
	RowSetCount   prometheus.Gauge
}

func newTabletMetrics(tabletID string, reg prometheus.Registerer) *TabletMetrics {
	labels := prometheus.Labels{"tablet": tabletID}
	m := &TabletMetrics{
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_rows_inserted_total", Help: "Rows inserted.", ConstLabels: labels}),
		RowsMutated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_rows_mutated_total", Help: "Row mutations applied.", ConstLabels: labels}),
		InsertDupKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_insert_duplicate_keys_total", Help: "Inserts rejected for duplicate keys.", ConstLabels: labels}),
		MutationsNotFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_mutations_not_found_total", Help: "Mutations addressing absent keys.", ConstLabels: labels}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_flushes_total", Help: "MemRowSet flushes completed.", ConstLabels: labels}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_compactions_total", Help: "Rowset compactions completed.", ConstLabels: labels}),
		DeltaFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_delta_flushes_total", Help: "DeltaMemStore flushes completed.", ConstLabels: labels}),
		BloomProbes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_bloom_probes_total", Help: "Bloom filter probes.", ConstLabels: labels}),
		BloomHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "basalt_bloom_hits_total", Help: "Bloom filter probes that admitted the key.", ConstLabels: labels}),
		MemRowSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basalt_memrowset_bytes", Help: "Bytes in the active MemRowSet.", ConstLabels: labels}),
		RowSetCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "basalt_rowsets", Help: "Number of disk rowsets.", ConstLabels: labels}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RowsInserted, m.RowsMutated, m.InsertDupKeys, m.MutationsNotFound,
			m.Flushes, m.Compactions, m.DeltaFlushes, m.BloomProbes, m.BloomHits,
			m.MemRowSetSize, m.RowSetCount,
		)
	}
	return m
}
