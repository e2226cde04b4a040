// Package gpucache caches GPU render state and resources for a 2D/3D
// renderer built on gogpu/wgpu.
//
// # Overview
//
// A renderer submits many small draws that mostly repeat the same state.
// gpucache keeps the expensive device objects alive across frames and
// records only the state that changed:
//
//   - [pipeline.Cache] keys compiled render pipelines by geometry layout,
//     program, topology, per-draw render state and global target state.
//   - [bindgroup.Group] and [bindgroup.Cache] resolve groups of bound
//     resources into device bind groups keyed by resource identity.
//   - [texpool.Pool] recycles render-target textures in power-of-two and
//     screen-relative buckets.
//   - [multidraw.Buffer] holds draw ranges for multi-draw submissions.
//   - [encoder.Encoder] records frames, eliding redundant binds.
//
// # Quick Start
//
//	engine, err := gpucache.NewEngine(device, queue,
//	    gpucache.WithScreenSize(1920, 1080))
//	if err != nil {
//	    return err
//	}
//	defer engine.Destroy()
//
//	enc := engine.Encoder
//	enc.BeginFrame("frame")
//	enc.BeginRenderPass(encoder.RenderTarget{Color: view, Clear: true})
//	enc.Draw(encoder.Draw{Geometry: quad, Program: sprite, Groups: groups, Count: 6})
//	done, err := enc.Submit()
//
// # Configuration
//
// [Config] is decoded from TOML by [LoadConfig] and applied with
// [WithConfig]. Every section has defaults from [DefaultConfig].
//
// # Logging
//
// gpucache logs nothing by default. [SetLogger] installs a [log/slog]
// logger in every component package.
package gpucache
