/*
Package loadgen implements the request-firing side of a load test.

# Components

  - Randomize / RandomizePayload: dot-path field randomization of a JSON template
  - Executor: sends one HTTP request for a TaskConfig, with a RetryPolicy
  - Aggregator: mutex-guarded outcome counters, running mean latency,
    hdrhistogram percentiles and a rolling QPS window
  - Pool: a fixed number of request loops submitted to an ants pool, all
    feeding one Recorder until the task deadline

# Retry policies

Tasks received from a dispatcher use NoRetry. The standalone bench command
uses BenchRetry: three attempts with a 100ms pause, after which the request
counts as one failure.
*/
package loadgen
