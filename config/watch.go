package config

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch 监听配置文件变化，重新解析成功后回调 onChange。返回的函数停止监听
func Watch(path string, onChange func(*Config)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// 监听目录而非文件：编辑器常用 rename 方式保存
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(200 * time.Millisecond)
			case <-debounce:
				debounce = nil
				cfg, err := Load(path)
				if err != nil {
					log.Printf("[Config] reload %s failed: %v", path, err)
					continue
				}
				log.Printf("[Config] reloaded %s", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] watcher error: %v", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			w.Close()
		})
	}, nil
}
