// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resolver turns service names into the addresses a channel
// connects to. An address here is just a "host:port" string.
//
// The [Resolver] interface is general enough for push-based sources, such
// as watching records in etcd or Kubernetes. The included implementation
// polls a [ResolveProber] whenever the previous result's TTL expires, or
// sooner when the consumer asks for a refresh. [NewDNSResolver] uses a
// [net.Resolver] as the prober.
//
// Refresh requests are rate limited per task (see WithMinRefreshInterval),
// so a consumer that keeps failing to connect cannot turn into a flood of
// DNS queries.
package resolver
