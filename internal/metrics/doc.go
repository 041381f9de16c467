// Package metrics provides observability hooks for render jobs.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	p := pipeline.New(deps).WithRecorder(recorder)
//
// PrometheusRecorder registers its collectors on the given registry;
// HTTPHandler exposes that registry for scraping.
package metrics
